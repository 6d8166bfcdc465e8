package crawler

import "strings"

// Text word lists driving the pre-click filters. All matching is
// case-insensitive on trimmed visible text.

// formOpeningWords mark buttons that likely open a creation/edit form
var formOpeningWords = []string{
	"add", "create", "new", "edit", "register", "pay", "book", "reserve",
	"schedule", "apply", "subscribe", "invite", "compose", "post", "upload",
	"request", "enroll", "order", "transfer", "donate", "+", "➕",
}

// clickBlacklist names elements never worth clicking during discovery.
// Logout in particular would end the whole authenticated session.
var clickBlacklist = []string{
	"upgrade", "logout", "log out", "sign out", "signout", "contact",
	"download", "export", "print", "share", "facebook", "twitter",
	"linkedin", "instagram", "youtube", "settings", "preferences",
	"cancel", "close", "dismiss", "delete", "remove", "archive",
	"password", "change password", "reset password", "forgot",
	"help", "support", "feedback", "terms", "privacy", "about",
	"×", "✕", "✓", "«", "»",
}

// submissionWhitelist marks button texts that submit a form
var submissionWhitelist = []string{
	"submit", "save", "update", "create", "send", "transfer", "register",
	"pay", "subscribe", "donate", "confirm", "apply", "book", "add",
	"post", "publish", "place order", "checkout", "finish", "complete",
}

// submissionBlacklist overrides the whitelist for texts that only look like
// submission
var submissionBlacklist = []string{
	"save as draft", "search", "filter", "cancel", "reset", "clear",
	"back", "previous", "close", "login", "log in", "sign in",
}

// IsFormOpeningText reports whether a button text suggests it opens a form
func IsFormOpeningText(text string) bool {
	t := normalizeText(text)
	if t == "" {
		return false
	}
	for _, w := range formOpeningWords {
		if t == w || strings.HasPrefix(t, w+" ") {
			return true
		}
	}
	return false
}

// IsBlacklistedText reports whether an element must not be clicked
func IsBlacklistedText(text string) bool {
	t := normalizeText(text)
	if t == "" {
		return false
	}
	for _, w := range clickBlacklist {
		if t == w || strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// IsPaginationText matches page numbers and pager arrows
func IsPaginationText(text string) bool {
	t := normalizeText(text)
	if t == "" {
		return false
	}
	switch t {
	case "<", ">", "<<", ">>", "...", "…", "next", "prev", "previous",
		"first", "last":
		return true
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SubmissionVerdict is the whitelist/blacklist answer before any AI call
type SubmissionVerdict int

const (
	SubmissionNo SubmissionVerdict = iota
	SubmissionYes
	SubmissionUncertain
)

// ClassifySubmissionText decides whether a button text submits a form.
// Uncertain answers go to the AI classifier.
func ClassifySubmissionText(text string) SubmissionVerdict {
	t := normalizeText(text)
	if t == "" {
		return SubmissionNo
	}
	for _, w := range submissionBlacklist {
		if t == w || strings.Contains(t, w) {
			return SubmissionNo
		}
	}
	for _, w := range submissionWhitelist {
		if t == w || strings.HasPrefix(t, w+" ") {
			return SubmissionYes
		}
	}
	return SubmissionUncertain
}

func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
