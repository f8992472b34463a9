package social

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterBasicHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "Well done", "Well done"},
		{"allowed tags", "<p>Hi <strong>Ada</strong></p>", "<p>Hi <strong>Ada</strong></p>"},
		{"disallowed tag keeps text", "<div>Hi</div>", "Hi"},
		{"script dropped with content", "a<script>alert(1)</script>b", "ab"},
		{"style dropped with content", "<style>p{}</style><p>x</p>", "<p>x</p>"},
		{"event handler removed", `<p onclick="steal()">x</p>`, "<p>x</p>"},
		{"safe link", `<a href="https://example.org/a?b=1&amp;c=2">x</a>`, `<a href="https://example.org/a?b=1&amp;c=2">x</a>`},
		{"relative link", `<a href="/user/3">x</a>`, `<a href="/user/3">x</a>`},
		{"javascript link", `<a href="javascript:alert(1)">x</a>`, "<a>x</a>"},
		{"obfuscated javascript link", `<a href=" JavaScript:alert(1)">x</a>`, "<a>x</a>"},
		{"inline qr image", `<img src='data:image/png;base64, QUJD'/>`, `<img src="data:image/png;base64, QUJD" />`},
		{"data uri link", `<a href="data:text/html;base64,PHNjcmlwdD4=">x</a>`, "<a>x</a>"},
		{"text is escaped", "1 &lt; 2 &amp; <b>3</b>", "1 &lt; 2 &amp; 3"},
		{"comment removed", "a<!-- hidden -->b", "ab"},
		{"line break", "a<br/>b<br>c", "a<br />b<br>c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterBasicHTML(tt.input))
		})
	}
}
