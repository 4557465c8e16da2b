package fetch

import "strings"

// Heuristic decides when a statically fetched page needs a headless
// rendering pass: SPA mount-point markers, or a small body dominated by
// script tags.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. threshold is the body size below which
// script density is examined; 0 uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
}

// ShouldRender reports whether the page looks JS-rendered.
func (h *Heuristic) ShouldRender(page string, statusCode int) bool {
	if statusCode != 200 {
		return false
	}
	if len(page) == 0 {
		return true
	}
	if len(page) < h.BodyLengthThreshold && scriptDensityHigh(page) {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(page, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
