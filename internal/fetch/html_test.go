package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>Keep</title><style>.x{}</style></head>
<body>
<header>Site header</header>
<nav><a href="/home">Home</a></nav>
<main>
  <h1>The Sunken Keep</h1>
  <p>The keep lies beneath the lake.</p>
  <ul>
    <li><a href="/wiki/Mira">Mira</a></li>
    <li><a href="/wiki/Lake">The Lake</a></li>
    <li><a href="https://other.example.org/wiki/Elsewhere">Elsewhere</a></li>
    <li><a href="/wiki/Mira">Mira again</a></li>
    <li><a href="#section">Anchor only</a></li>
    <li><a href="mailto:lore@example.com">Mail</a></li>
  </ul>
  <img src="/img/keep.png">
  <img src="data:image/png;base64,xyz">
  <img src="/img/keep.png">
  <div class="pagination"><a href="/wiki/Keep?page=2">Next</a></div>
</main>
<footer>Site footer</footer>
<script>var x = 1;</script>
</body></html>`

func TestCleanHTML(t *testing.T) {
	t.Parallel()

	text, err := CleanHTML(samplePage)
	require.NoError(t, err)
	require.Contains(t, text, "The Sunken Keep")
	require.Contains(t, text, "beneath the lake")
	require.NotContains(t, text, "Site header")
	require.NotContains(t, text, "Site footer")
	require.NotContains(t, text, "var x = 1")
}

func TestCleanHTMLEmpty(t *testing.T) {
	t.Parallel()

	text, err := CleanHTML("   ")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestExtractLinksDefaultSelector(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks(samplePage, "https://example.com/wiki/Keep", nil)
	require.NoError(t, err)
	require.Contains(t, links, "https://example.com/home")
	require.Contains(t, links, "https://example.com/wiki/Mira")
	require.Contains(t, links, "https://example.com/wiki/Lake")
	require.Contains(t, links, "https://other.example.org/wiki/Elsewhere")

	// Deduplicated, anchors and mailto skipped.
	count := 0
	for _, l := range links {
		if l == "https://example.com/wiki/Mira" {
			count++
		}
		require.NotContains(t, l, "mailto")
		require.NotContains(t, l, "#")
	}
	require.Equal(t, 1, count)
}

func TestExtractLinksScopedSelector(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks(samplePage, "https://example.com/wiki/Keep", []string{"main ul a[href]"})
	require.NoError(t, err)
	require.NotContains(t, links, "https://example.com/home")
	require.Contains(t, links, "https://example.com/wiki/Mira")
}

func TestExtractLinksNonAnchorSelector(t *testing.T) {
	t.Parallel()

	// A selector hitting a container resolves its first inner anchor.
	links, err := ExtractLinks(samplePage, "https://example.com/wiki/Keep", []string{".pagination"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/wiki/Keep?page=2"}, links)
}

func TestExtractPagination(t *testing.T) {
	t.Parallel()

	next, ok := ExtractPagination(samplePage, "https://example.com/wiki/Keep", ".pagination a")
	require.True(t, ok)
	require.Equal(t, "https://example.com/wiki/Keep?page=2", next)

	_, ok = ExtractPagination(samplePage, "https://example.com/wiki/Keep", ".does-not-exist")
	require.False(t, ok)

	_, ok = ExtractPagination(samplePage, "https://example.com/wiki/Keep", "")
	require.False(t, ok)
}

func TestExtractImageURLs(t *testing.T) {
	t.Parallel()

	images := ExtractImageURLs(samplePage, "https://example.com/wiki/Keep")
	require.Equal(t, []string{"https://example.com/img/keep.png"}, images)
}
