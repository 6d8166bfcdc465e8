// Package mapper drives a single form-mapping session: login, navigate to the
// form, then an AI-guided loop of DOM analysis and step execution until every
// path through the form has been explored and annotated with test cases.
package mapper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/formscout/internal/domain"
)

// State is the mapper session state machine position
type State string

const (
	StateInitializing     State = "initializing"
	StateLoggingIn        State = "logging_in"
	StateLoginRecovering  State = "login_recovering"
	StateNavigating       State = "navigating"
	StateNavRecovering    State = "nav_recovering"
	StateExtractingDOM    State = "extracting_dom"
	StateAnalyzing        State = "analyzing"
	StateExecutingStep    State = "executing_step"
	StateHandlingAlert    State = "handling_alert"
	StateVerifyingUI      State = "verifying_ui"
	StatePathComplete     State = "path_complete"
	StateAllPathsComplete State = "all_paths_complete"
	StateAssigningTests   State = "assigning_test_cases"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// IsTerminal reports whether the state is final
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PollStatus collapses the internal state machine into the coarse status the
// UI polls on
func (s State) PollStatus() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "running"
	}
}

// Config tunes one mapping session. Defaults apply per company.
type Config struct {
	MaxRetries              int  `json:"max_retries"`
	UseFullDOM              bool `json:"use_full_dom"`
	UseOptimizedDOM         bool `json:"use_optimized_dom"`
	UseFormsDOM             bool `json:"use_forms_dom"`
	IncludeJSInDOM          bool `json:"include_js_in_dom"`
	EnableJunctionDiscovery bool `json:"enable_junction_discovery"`
	MaxJunctionPaths        int  `json:"max_junction_paths"`
	EnableUIVerification    bool `json:"enable_ui_verification"`
	UseDetectFieldsChange   bool `json:"use_detect_fields_change"`
}

// DefaultConfig returns the standard session configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		UseFullDOM:              true,
		IncludeJSInDOM:          true,
		EnableJunctionDiscovery: true,
		MaxJunctionPaths:        5,
		EnableUIVerification:    true,
		UseDetectFieldsChange:   true,
	}
}

// Junction is one form-altering selection discovered on the current path
type Junction struct {
	FieldName     string   `json:"field_name"`
	Selector      string   `json:"selector"`
	SelectedValue string   `json:"selected_value"`
	OtherValues   []string `json:"other_values,omitempty"`
}

// Recovery is one recovery attempt, kept to spot repeating failure patterns
type Recovery struct {
	Action   domain.StepAction `json:"action"`
	Selector string            `json:"selector"`
	At       time.Time         `json:"at"`
}

// pattern is the identity recoveries are grouped by
func (r Recovery) pattern() string {
	return string(r.Action) + "|" + r.Selector
}

// Defect is a reportable application bug found while mapping
type Defect struct {
	Kind       string    `json:"kind"`
	Summary    string    `json:"summary"`
	Fields     []string  `json:"fields,omitempty"`
	AlertText  string    `json:"alert_text,omitempty"`
	PathIndex  int       `json:"path_index"`
	DetectedAt time.Time `json:"detected_at"`
}

// Session is the complete state of one form-mapping run. Stored in the cache
// with a 24h TTL; every mutation goes through a compare-and-set on State.
type Session struct {
	ID          string `json:"id"`
	UserID      int64  `json:"user_id"`
	CompanyID   int64  `json:"company_id"`
	ProductID   int64  `json:"product_id"`
	ProjectID   int64  `json:"project_id"`
	NetworkID   int64  `json:"network_id"`
	FormRouteID int64  `json:"form_route_id"`

	State         State `json:"state"`
	PreviousState State `json:"previous_state"`

	CurrentPath          int             `json:"current_path"`
	TotalPathsDiscovered int             `json:"total_paths_discovered"`
	CurrentStepIndex     int             `json:"current_step_index"`
	AllSteps             []domain.Step   `json:"all_steps"`
	PendingSteps         []domain.Step   `json:"pending_steps"`
	CurrentDOMHash       string          `json:"current_dom_hash,omitempty"`
	PreviousPaths        [][]domain.Step `json:"previous_paths,omitempty"`
	Junctions            []Junction      `json:"current_path_junctions,omitempty"`
	TestCases            []string        `json:"test_cases,omitempty"`
	FinalSteps           []domain.Step   `json:"final_steps,omitempty"`

	// CriticalFields pins fields the model must not skip on regeneration,
	// built up from ai_issue alert analyses
	CriticalFields    map[string]string `json:"critical_fields,omitempty"`
	Defects           []Defect          `json:"defects,omitempty"`
	Recoveries        []Recovery        `json:"recovery_attempts,omitempty"`
	RetryCount        int               `json:"retry_count"`
	LastError         string            `json:"last_error,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	VerificationPhase bool              `json:"verification_phase"`

	Config Config `json:"config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an initializing session
func NewSession(userID, companyID, productID, projectID, networkID, formRouteID int64, cfg Config) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CompanyID:      companyID,
		ProductID:      productID,
		ProjectID:      projectID,
		NetworkID:      networkID,
		FormRouteID:    formRouteID,
		State:          StateInitializing,
		PreviousState:  StateInitializing,
		CriticalFields: make(map[string]string),
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the session to a new state, recording the previous one
func (s *Session) Transition(to State) {
	s.PreviousState = s.State
	s.State = to
	s.UpdatedAt = time.Now().UTC()
}

// Fail marks the session failed with a propagated error code
func (s *Session) Fail(code, message string) {
	s.ErrorCode = code
	s.LastError = message
	s.Transition(StateFailed)
}

// NextStep returns the step at the execution cursor, or nil when the pending
// list is drained
func (s *Session) NextStep() *domain.Step {
	if s.CurrentStepIndex >= len(s.PendingSteps) {
		return nil
	}
	return &s.PendingSteps[s.CurrentStepIndex]
}

// ExecutedFillValues collects field -> value from fill/select steps already
// executed on the current path. Verification expectations come from here,
// never from the post-submit DOM.
func (s *Session) ExecutedFillValues() map[string]string {
	values := make(map[string]string)
	for _, step := range s.AllSteps {
		if step.Action != domain.ActionFill && step.Action != domain.ActionSelect {
			continue
		}
		key := step.FieldName
		if key == "" {
			key = step.Selector
		}
		if key != "" && step.Value != "" {
			values[key] = step.Value
		}
	}
	return values
}

const unrecoverablePatternCount = 4

// RecordRecovery appends a recovery attempt and reports whether the same
// action/target pattern has now repeated enough to call the session
// unrecoverable
func (s *Session) RecordRecovery(action domain.StepAction, selector string) bool {
	rec := Recovery{Action: action, Selector: selector, At: time.Now().UTC()}
	s.Recoveries = append(s.Recoveries, rec)

	count := 0
	for _, r := range s.Recoveries {
		if r.pattern() == rec.pattern() {
			count++
		}
	}
	return count >= unrecoverablePatternCount
}

// FinishPath archives the current path and resets per-path state
func (s *Session) FinishPath() {
	if len(s.AllSteps) > 0 {
		path := make([]domain.Step, len(s.AllSteps))
		copy(path, s.AllSteps)
		s.PreviousPaths = append(s.PreviousPaths, path)
	}
	s.CurrentPath++
	s.AllSteps = nil
	s.PendingSteps = nil
	s.CurrentStepIndex = 0
	s.RetryCount = 0
	s.Junctions = nil
	s.VerificationPhase = false
	s.CurrentDOMHash = ""
}

// PathSummaries renders previous paths as compact step descriptions for
// prompts
func (s *Session) PathSummaries() []string {
	summaries := make([]string, 0, len(s.PreviousPaths))
	for _, path := range s.PreviousPaths {
		summaries = append(summaries, summarizePath(path))
	}
	return summaries
}

func summarizePath(steps []domain.Step) string {
	out := ""
	for i, st := range steps {
		if i > 0 {
			out += "; "
		}
		switch st.Action {
		case domain.ActionFill, domain.ActionSelect:
			out += fmt.Sprintf("%s %s = %q", st.Action, st.Selector, st.Value)
		default:
			out += fmt.Sprintf("%s %s", st.Action, st.Selector)
		}
	}
	return out
}

// Encode serializes the session for the cache
func (s *Session) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSession deserializes a cached session
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding mapper session: %w", err)
	}
	if s.CriticalFields == nil {
		s.CriticalFields = make(map[string]string)
	}
	return &s, nil
}
