package ai

import "github.com/formscout/formscout/internal/domain"

// StepsResult is the model's answer to any step-generation prompt. The
// boolean flags are mutually exclusive signals the mapper branches on.
type StepsResult struct {
	Steps []domain.Step `json:"steps"`

	// NoMorePaths means the model found nothing left to explore on the form
	NoMorePaths bool `json:"no_more_paths,omitempty"`

	// PageErrorDetected means the page itself is broken (error page, crash)
	PageErrorDetected bool   `json:"page_error_detected,omitempty"`
	PageErrorCode     string `json:"page_error_code,omitempty"`

	// LoginFailed / AlreadyLoggedIn come from login-stage analysis
	LoginFailed     bool `json:"login_failed,omitempty"`
	AlreadyLoggedIn bool `json:"already_logged_in,omitempty"`

	// ValidationErrorsDetected means the form rejected submitted values
	ValidationErrorsDetected bool     `json:"validation_errors_detected,omitempty"`
	ValidationMessages       []string `json:"validation_messages,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`
}

// IssueType classifies who is at fault for a failed form interaction
type IssueType string

const (
	IssueReal  IssueType = "real_issue"
	IssueAI    IssueType = "ai_issue"
	IssueAPI   IssueType = "api_error"
	IssueParse IssueType = "parse_error"
)

// ErrorScenario distinguishes where an alert appeared
type ErrorScenario string

const (
	// ScenarioA: the alert fired while steps were still being executed
	ScenarioA ErrorScenario = "A"
	// ScenarioB: the alert fired after submission
	ScenarioB ErrorScenario = "B"
)

// ErrorAnalysis is the model's verdict on an alert or failure
type ErrorAnalysis struct {
	Scenario          ErrorScenario `json:"scenario"`
	IssueType         IssueType     `json:"issue_type"`
	Summary           string        `json:"summary,omitempty"`
	ProblematicFields []string      `json:"problematic_fields,omitempty"`
	// FieldRequirements maps a field to what the model believes the form
	// expects there, feeding the retry prompt
	FieldRequirements map[string]string `json:"field_requirements,omitempty"`
}

// JunctionVerdict is the model's answer on whether a select changes the form
type JunctionVerdict struct {
	IsJunction     bool     `json:"is_junction"`
	FieldName      string   `json:"field_name,omitempty"`
	WorthExploring []string `json:"worth_exploring,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// ClassificationResult answers yes/no page and element questions
type ClassificationResult struct {
	Answer    bool   `json:"answer"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FormNameResult names a discovered form page
type FormNameResult struct {
	FormName string `json:"form_name"`
}

// ParentFieldsResult lists fields referencing parent entities
type ParentFieldsResult struct {
	ParentFields []domain.ParentField `json:"parent_fields"`
	IDFields     []string             `json:"id_fields,omitempty"`
}

// ClickableCandidate is one element offered to the vision downselect
type ClickableCandidate struct {
	Index    int    `json:"index"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Tag      string `json:"tag"`
}

// NavigationPick is the vision model's downselect of worthwhile clickables
type NavigationPick struct {
	Indices   []int  `json:"indices"`
	Reasoning string `json:"reasoning,omitempty"`
}

// TestCaseAssignment maps generated test cases onto explored paths
type TestCaseAssignment struct {
	Assignments []struct {
		PathIndex int      `json:"path_index"`
		TestCases []string `json:"test_cases"`
	} `json:"assignments"`
}

// UIDefect is one visual defect spotted on a screenshot
type UIDefect struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Selector    string `json:"selector,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// UIDefectsResult lists visual defects on a page
type UIDefectsResult struct {
	Defects []UIDefect `json:"defects"`
}
