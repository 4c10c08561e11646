package fetch

import (
	"bytes"
	"mime"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// nonContentSelectors are removed before text extraction. Footers stay:
// that is where most sites publish their contact addresses.
const nonContentSelectors = "script, style, noscript, svg, iframe, template, nav"

var (
	spaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
	nlRe    = regexp.MustCompile(`\s*\n\s*`)
)

// htmlToText parses body and returns its visible text with whitespace
// collapsed. Addresses from mailto: and tel: links are appended because they
// are often only present in attributes.
func htmlToText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "fetch: parse html")
	}

	doc.Find(nonContentSelectors).Remove()

	// Block-level elements would otherwise run together into one word.
	doc.Find("p, div, li, br, h1, h2, h3, h4, h5, h6, tr, section, article, address").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	root := doc.Find("body").First()
	if root.Length() == 0 {
		root = doc.Selection
	}
	text := collapseWhitespace(root.Text())

	var links []string
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "mailto:") && !strings.HasPrefix(lower, "tel:") {
			return
		}
		v, _, _ := strings.Cut(href[strings.Index(href, ":")+1:], "?")
		v = strings.TrimSpace(v)
		if v == "" || seen[v] || strings.Contains(text, v) {
			return
		}
		seen[v] = true
		links = append(links, v)
	})
	if len(links) > 0 {
		text += "\n" + strings.Join(links, "\n")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title != "" && !strings.HasPrefix(text, title) {
		text = title + "\n" + text
	}
	return strings.TrimSpace(text), nil
}

func collapseWhitespace(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	s = nlRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// decodeCharset converts body to UTF-8 using the charset parameter of the
// Content-Type header. Unknown or undecodable charsets return body unchanged.
func decodeCharset(body []byte, contentType string) []byte {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return body
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return body
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return out
}
