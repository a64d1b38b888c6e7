package transfer

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxConfirmPageSize bounds how much of an HTML interstitial is parsed.
const maxConfirmPageSize = 2 << 20

// isHTML reports whether resp carries an HTML document instead of the file.
func isHTML(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

// resolveConfirmURL finds the real download link on a file-host confirmation
// page. Two layouts are recognized: a form#download-form whose hidden inputs
// become query parameters of its action, and a bare a#uc-download-link.
func resolveConfirmURL(base *url.URL, body io.Reader) (*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxConfirmPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	if form := doc.Find("form#download-form").First(); form.Length() > 0 {
		action := strings.TrimSpace(form.AttrOr("action", ""))
		target, err := base.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("invalid form action %q: %w", action, err)
		}

		q := target.Query()
		form.Find(`input[type="hidden"]`).Each(func(_ int, input *goquery.Selection) {
			name, ok := input.Attr("name")
			if !ok || name == "" {
				return
			}
			q.Set(name, input.AttrOr("value", ""))
		})
		target.RawQuery = q.Encode()
		return target, nil
	}

	if link := doc.Find("a#uc-download-link").First(); link.Length() > 0 {
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			return nil, ErrNoConfirmLink
		}
		target, err := base.Parse(href)
		if err != nil {
			return nil, fmt.Errorf("invalid download link %q: %w", href, err)
		}
		return target, nil
	}

	return nil, ErrNoConfirmLink
}
