package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<!doctype html>
<html><head><title>  Field   Notes </title><script>var tracking = 1;</script></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Why soil matters</h1>
<p>Healthy soil stores <strong>carbon</strong> and <a href="/water">water</a>.</p>
<ul><li>Roots</li><li>Fungi</li></ul>
</article>
<footer>Copyright</footer>
</body></html>`

func TestFromHTMLKeepsMainContent(t *testing.T) {
	doc, err := FromHTML(strings.NewReader(page), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, "Field Notes", doc.Title)
	assert.Contains(t, doc.Text, "Why soil matters")
	assert.Contains(t, doc.Text, "Healthy soil stores carbon and water.")
	assert.Contains(t, doc.Text, "Roots")
	assert.NotContains(t, doc.Text, "tracking")
	assert.NotContains(t, doc.Text, "Home")
	assert.NotContains(t, doc.Text, "Copyright")
	assert.Contains(t, doc.Raw, "**carbon**")
}

func TestFromFile(t *testing.T) {
	doc, err := FromFile([]byte("line one\r\n\r\n\r\n\r\nline two  \n"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "line one\n\nline two", doc.Text)

	doc, err = FromFile([]byte("<html><body><p>from html</p></body></html>"), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "from html", doc.Text)

	_, err = FromFile([]byte("%PDF-1.7"), "application/pdf")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
