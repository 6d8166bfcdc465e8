package crawler

import (
	"strings"
)

// FieldInfo is one form field in a DOM snapshot, as extracted in the browser
type FieldInfo struct {
	ID     string `json:"id"`
	Tag    string `json:"tag"`
	Type   string `json:"type"`
	Hidden bool   `json:"hidden"`
}

// FieldMap indexes a snapshot's fields by their identity (id, name, or a
// positional fallback assigned at extraction time)
type FieldMap map[string]FieldInfo

// fieldChangeThreshold: a >30% swing in total field count counts as a changed
// field set even when no individual field flipped
const fieldChangeThreshold = 0.30

// FieldsChanged compares two snapshots. Any added field, any visibility flip,
// or a large count delta means the form changed. Advisory signal only.
func FieldsChanged(before, after FieldMap) bool {
	for id, b := range before {
		a, ok := after[id]
		if !ok {
			continue
		}
		if b.Hidden != a.Hidden {
			return true
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			return true
		}
	}

	nb, na := len(before), len(after)
	if nb == 0 {
		return na > 0
	}
	delta := float64(na-nb) / float64(nb)
	if delta < 0 {
		delta = -delta
	}
	return delta > fieldChangeThreshold
}

// errorPagePatterns identify broken target pages by their visible text
var errorPagePatterns = map[string]string{
	"404":                   "PAGE_NOT_FOUND",
	"page not found":        "PAGE_NOT_FOUND",
	"500":                   "SERVER_ERROR",
	"internal server error": "SERVER_ERROR",
	"service unavailable":   "SITE_UNAVAILABLE",
	"bad gateway":           "SITE_UNAVAILABLE",
	"gateway timeout":       "TIMEOUT",
	"connection refused":    "SITE_UNAVAILABLE",
	"ssl":                   "SSL_ERROR",
	"certificate":           "SSL_ERROR",
	"session expired":       "SESSION_EXPIRED",
	"session has expired":   "SESSION_EXPIRED",
	"please log in again":   "SESSION_EXPIRED",
	"access denied":         "ACCESS_DENIED",
	"forbidden":             "ACCESS_DENIED",
}

// DetectErrorPage scans a page's title and heading text for error signatures.
// Returns the error code and true when one matches. Only short texts are
// scanned; an order page legitimately containing "404" in a table must not
// trip this.
func DetectErrorPage(title, heading string) (string, bool) {
	for _, text := range []string{title, heading} {
		t := strings.ToLower(strings.TrimSpace(text))
		if t == "" || len(t) > 120 {
			continue
		}
		for pattern, code := range errorPagePatterns {
			if strings.Contains(t, pattern) {
				return code, true
			}
		}
	}
	return "", false
}

// PageSnapshot is what the in-browser extraction script reports per state
type PageSnapshot struct {
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	Heading    string      `json:"heading"`
	Fields     FieldMap    `json:"fields"`
	Buttons    []Clickable `json:"buttons"`
	Clickables []Clickable `json:"clickables"`
}

// Clickable is one clickable element reported by the extraction script
type Clickable struct {
	Selector      string `json:"selector"`
	FullXPath     string `json:"full_xpath"`
	Text          string `json:"text"`
	Tag           string `json:"tag"`
	Y             int    `json:"y"`
	InTable       bool   `json:"in_table"`
	SharedDepth   int    `json:"shared_depth"`
	OpensDropdown bool   `json:"opens_dropdown"`
}

// maxFieldButtonDistance is how many ancestor levels a submission button may
// be from a form field and still count as the same form
const maxFieldButtonDistance = 10

// HasFormPage decides whether a snapshot is itself a form page: at least one
// visible field plus a submission-classified button sharing an ancestor with
// a field within the distance limit. isSubmission resolves uncertain button
// texts (usually via AI).
func HasFormPage(snap *PageSnapshot, isSubmission func(text string) bool) bool {
	visibleFields := 0
	for _, f := range snap.Fields {
		if !f.Hidden && f.Type != "hidden" {
			visibleFields++
		}
	}
	if visibleFields == 0 {
		return false
	}

	for _, btn := range snap.Buttons {
		verdict := ClassifySubmissionText(btn.Text)
		switch verdict {
		case SubmissionNo:
			continue
		case SubmissionUncertain:
			if isSubmission == nil || !isSubmission(btn.Text) {
				continue
			}
		}
		if btn.SharedDepth > 0 && btn.SharedDepth <= maxFieldButtonDistance {
			return true
		}
	}
	return false
}
