package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in order; the first that matches exactly one
// element is taken as the page's main content.
var contentSelectors = []string{
	"article", "#article", ".article",
	"main", "#main", ".main", `[role="main"]`,
	"#content", ".content", ".post",
}

// removeSelectors are stripped from the content before text extraction.
var removeSelectors = []string{
	"header", "footer", "nav", `[role="navigation"]`,
	".sidebar", `[role="complementary"]`, ".nav", ".menu",
	".header", ".footer", ".advertisement", ".ads",
	".cookie-notice", ".social-share", ".related-posts",
	".comments", "#comments", ".popup", ".modal", ".overlay",
	".banner", ".alert", ".notification", ".subscription",
	".newsletter", ".share-buttons",
	"script", "style", "noscript", "iframe",
	"button", "form", "input", "textarea", "select",
	".noprint",
}

var whitespaceRE = regexp.MustCompile(`[ \t]{2,}`)
var blankLinesRE = regexp.MustCompile(`\n{3,}`)

// CleanHTML extracts the readable text of a page: it locates the main
// content region, strips navigation and boilerplate, and normalizes
// whitespace.
func CleanHTML(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	target := doc.Find("body")
	if target.Length() == 0 {
		target = doc.Selection
	}
	for _, selector := range contentSelectors {
		found := doc.Find(selector)
		if found.Length() == 1 {
			target = found
			break
		}
	}

	target.Find(strings.Join(removeSelectors, ", ")).Remove()

	var sb strings.Builder
	target.Find("p, h1, h2, h3, h4, h5, h6, li, td, th, blockquote, pre, dd, dt").
		Each(func(_ int, sel *goquery.Selection) {
			if sel.Children().Is("p, li, blockquote") {
				return
			}
			text := strings.TrimSpace(sel.Text())
			if text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		})

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		text = target.Text()
	}
	text = whitespaceRE.ReplaceAllString(text, " ")
	text = blankLinesRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}

// ExtractLinks returns the absolute URLs of anchors matched by the given
// selectors, in document order, deduplicated. Empty selectors default to
// all anchors. Non-http(s) and unparsable hrefs are skipped.
func ExtractLinks(html, baseURL string, selectors []string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	if len(selectors) == 0 {
		selectors = []string{"a[href]"}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			node := sel
			if !node.Is("a") {
				node = sel.Find("a[href]").First()
			}
			href, ok := node.Attr("href")
			if !ok {
				return
			}
			abs := resolveHref(base, href)
			if abs == "" {
				return
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		})
	}
	return out, nil
}

// ExtractPagination resolves the "next page" URL selected by selector.
// Returns ok=false when the selector matches nothing usable.
func ExtractPagination(html, baseURL, selector string) (string, bool) {
	if strings.TrimSpace(selector) == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}

	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", false
	}
	if !node.Is("a") {
		node = node.Find("a[href]").First()
		if node.Length() == 0 {
			return "", false
		}
	}
	href, ok := node.Attr("href")
	if !ok {
		return "", false
	}
	abs := resolveHref(base, href)
	if abs == "" {
		return "", false
	}
	return abs, true
}

// ExtractImageURLs returns the absolute URLs of content images, in document
// order, deduplicated.
func ExtractImageURLs(html, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || strings.HasPrefix(src, "data:") {
			return
		}
		abs := resolveHref(base, src)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
