package domain

import "strings"

// StepAction is one operation in the browser driver vocabulary
type StepAction string

const (
	ActionClick               StepAction = "click"
	ActionFill                StepAction = "fill"
	ActionSelect              StepAction = "select"
	ActionCheck               StepAction = "check"
	ActionUncheck             StepAction = "uncheck"
	ActionHover               StepAction = "hover"
	ActionScroll              StepAction = "scroll"
	ActionWait                StepAction = "wait"
	ActionPressKey            StepAction = "press_key"
	ActionSwitchToFrame       StepAction = "switch_to_frame"
	ActionSwitchToShadowRoot  StepAction = "switch_to_shadow_root"
	ActionSwitchToDefault     StepAction = "switch_to_default"
	ActionSwitchToWindow      StepAction = "switch_to_window"
	ActionSwitchToParentWin   StepAction = "switch_to_parent_window"
	ActionSlider              StepAction = "slider"
	ActionDragAndDrop         StepAction = "drag_and_drop"
	ActionVerify              StepAction = "verify"
	ActionNavigate            StepAction = "navigate"
	ActionRefresh             StepAction = "refresh"
	ActionCreateFile          StepAction = "create_file"
	ActionUploadFile          StepAction = "upload_file"
)

// Step is one driver operation in a route. Immutable once emitted.
type Step struct {
	Action        StepAction    `json:"action"`
	Selector      string        `json:"selector,omitempty"`
	Value         string        `json:"value,omitempty"`
	FieldName     string        `json:"field_name,omitempty"`
	Text          string        `json:"text,omitempty"`
	FullXPath     string        `json:"full_xpath,omitempty"`
	ForceRegen    bool          `json:"force_regenerate,omitempty"`
	DontRegen     bool          `json:"dont_regenerate,omitempty"`
	IsJunction    bool          `json:"is_junction,omitempty"`
	JunctionInfo  *JunctionInfo `json:"junction_info,omitempty"`
	OpensDropdown bool          `json:"opens_dropdown,omitempty"`
	DropdownItem  bool          `json:"dropdown_item,omitempty"`
	FileType      string        `json:"file_type,omitempty"`
	Filename      string        `json:"filename,omitempty"`
}

// JunctionInfo records why a select was flagged as a junction
type JunctionInfo struct {
	FieldName     string   `json:"field_name"`
	SelectedValue string   `json:"selected_value"`
	OtherValues   []string `json:"other_values,omitempty"`
}

// SelectorKind distinguishes CSS from XPath at the driver boundary
type SelectorKind int

const (
	SelectorCSS SelectorKind = iota
	SelectorXPath
)

// ClassifySelector resolves the selector kind and strips any xpath prefix.
// A selector starting with / or // is XPath; "xpath:" / "xpath=" prefixes
// are XPath with the prefix stripped; everything else is CSS.
func ClassifySelector(sel string) (SelectorKind, string) {
	switch {
	case strings.HasPrefix(sel, "xpath:"):
		return SelectorXPath, strings.TrimPrefix(sel, "xpath:")
	case strings.HasPrefix(sel, "xpath="):
		return SelectorXPath, strings.TrimPrefix(sel, "xpath=")
	case strings.HasPrefix(sel, "/"):
		return SelectorXPath, sel
	default:
		return SelectorCSS, sel
	}
}

// Disallowed pseudo-selectors: Playwright/jQuery extensions that are not CSS
var forbiddenCSSExtensions = []string{":contains", ":has-text", ":text", ">>"}

// ValidCSSSelector rejects Playwright/jQuery pseudo-selector extensions
func ValidCSSSelector(sel string) bool {
	for _, ext := range forbiddenCSSExtensions {
		if strings.Contains(sel, ext) {
			return false
		}
	}
	return true
}

// AllowedFileTypes for create_file steps
var AllowedFileTypes = []string{"txt", "csv", "json", "pdf", "xlsx", "docx", "png", "jpg"}

// ValidFileType reports whether create_file may produce this type
func ValidFileType(t string) bool {
	for _, ft := range AllowedFileTypes {
		if t == ft {
			return true
		}
	}
	return false
}
