package social

import (
	"strings"

	"golang.org/x/net/html"
)

// FormatBasicHTML names the text format produced by FilterBasicHTML
const FormatBasicHTML = "basic_html"

// basicHTML is the tag/attribute allow-list of the basic_html text format
var basicHTML = map[string]map[string]bool{
	"a":          {"href": true, "hreflang": true},
	"em":         {},
	"strong":     {},
	"cite":       {},
	"blockquote": {"cite": true},
	"code":       {},
	"ul":         {"type": true},
	"ol":         {"start": true, "type": true},
	"li":         {},
	"dl":         {},
	"dt":         {},
	"dd":         {},
	"h2":         {"id": true},
	"h3":         {"id": true},
	"h4":         {"id": true},
	"h5":         {"id": true},
	"h6":         {"id": true},
	"p":          {},
	"br":         {},
	"span":       {},
	"img":        {"src": true, "alt": true, "height": true, "width": true, "data-align": true, "data-caption": true},
}

// dropContent lists elements whose text is removed along with the tags
var dropContent = map[string]bool{"script": true, "style": true, "iframe": true, "object": true}

var urlAttributes = map[string]bool{"href": true, "src": true, "cite": true}

var allowedSchemes = []string{"http:", "https:", "mailto:", "tel:", "ftp:"}

// FilterBasicHTML strips markup outside the basic_html allow-list. Disallowed tags are
// removed but their text is kept, except for script-like elements whose content goes too.
// URL attributes must use a safe scheme or be relative; img src may also be an inline
// data:image URI, which is how QR codes are embedded in reward messages.
func FilterBasicHTML(input string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(input))
	skip := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF: a strings.Reader has no other read errors
			return b.String()
		}
		tok := z.Token()

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if dropContent[tok.Data] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if attrs, ok := basicHTML[tok.Data]; ok {
				writeTag(&b, tok, attrs, tt == html.SelfClosingTagToken)
			}
		case html.EndTagToken:
			if dropContent[tok.Data] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip == 0 {
				if _, ok := basicHTML[tok.Data]; ok {
					b.WriteString("</" + tok.Data + ">")
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.WriteString(html.EscapeString(tok.Data))
			}
		}
	}
}

func writeTag(b *strings.Builder, tok html.Token, allowed map[string]bool, selfClosing bool) {
	b.WriteString("<" + tok.Data)
	for _, a := range tok.Attr {
		if a.Namespace != "" || !allowed[a.Key] {
			continue
		}
		if urlAttributes[a.Key] && !safeURL(tok.Data, a.Key, a.Val) {
			continue
		}
		b.WriteString(" " + a.Key + `="` + html.EscapeString(a.Val) + `"`)
	}
	if selfClosing {
		b.WriteString(" /")
	}
	b.WriteString(">")
}

func safeURL(tag, attr, value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if tag == "img" && attr == "src" && strings.HasPrefix(v, "data:image/") {
		return true
	}
	colon := strings.IndexByte(v, ':')
	if colon < 0 {
		return true
	}
	// a colon after a path, query or fragment delimiter is not a scheme
	if slash := strings.IndexAny(v, "/?#"); slash >= 0 && slash < colon {
		return true
	}
	for _, scheme := range allowedSchemes {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}
