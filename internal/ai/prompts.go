package ai

import (
	"fmt"
	"strings"

	"github.com/formscout/formscout/internal/domain"
)

// Shared prompt fragments. Every step-generating prompt carries the selector
// rules and the closed action vocabulary; the driver executes nothing outside
// them.

const selectorRules = `SELECTOR RULES:
- Prefer CSS selectors. Use XPath only when CSS cannot express the target (prefix with "xpath:").
- Buttons inside modals MUST use XPath.
- In XPath, prefer contains(@class, 'x') over @class='x'.
- NEVER use Playwright/jQuery extensions: :contains, :has-text, :text, >>.
- Every action step except "verify" MUST include a "full_xpath" fallback. Prefer ID-anchored segments (//*[@id='x']/div[2]) over fully positional paths.`

const actionVocabulary = `ALLOWED ACTIONS:
click, fill, select, check, uncheck, hover, scroll, wait, press_key,
switch_to_frame, switch_to_shadow_root, switch_to_default, switch_to_window,
switch_to_parent_window, slider, drag_and_drop, verify, navigate, refresh,
create_file, upload_file`

const forceRegenerateRule = `Set "force_regenerate": true on clicks that change the page (Save, Submit, Next, Edit, View, Delete, Cancel); false otherwise.`

const stepsOutputShape = `Return JSON: {"steps": [{"action", "selector", "value", "field_name", "full_xpath", "force_regenerate"}], "no_more_paths": bool}. Return ONLY valid JSON.`

// LoginStepsPrompt asks for the steps that log into the target app.
// Credentials appear verbatim in step values, never as placeholders.
func LoginStepsPrompt(dom string, credentials map[string]string, hints string) (system, user string) {
	system = strings.Join([]string{
		"You generate browser automation steps that log into a web application.",
		selectorRules,
		actionVocabulary,
		forceRegenerateRule,
		`Credentials MUST appear verbatim in the "value" field of fill steps; never placeholders.`,
		`If the page shows the user is already logged in, return {"already_logged_in": true}.`,
		`If the previous attempt failed (error message visible), return {"login_failed": true}.`,
		stepsOutputShape,
	}, "\n\n")

	var creds strings.Builder
	for k, v := range credentials {
		fmt.Fprintf(&creds, "%s: %s\n", k, v)
	}

	user = fmt.Sprintf("CREDENTIALS:\n%s\nHINTS: %s\n\nPAGE DOM:\n%s", creds.String(), hints, dom)
	return system, user
}

// LogoutStepsPrompt asks for the steps that log out
func LogoutStepsPrompt(dom, hints string) (system, user string) {
	system = strings.Join([]string{
		"You generate browser automation steps that log out of a web application.",
		selectorRules,
		actionVocabulary,
		stepsOutputShape,
	}, "\n\n")

	user = fmt.Sprintf("HINTS: %s\n\nPAGE DOM:\n%s", hints, dom)
	return system, user
}

// FormNamePrompt names the form on the current page, avoiding collisions
// with names already taken in the project
func FormNamePrompt(pageContext string, existingNames []string) (system, user string) {
	system = `You name the data-entry form on a page. Answer with a short business-entity name ("New Order", "Customer", "Invoice"). Return JSON: {"form_name": "..."}. Return ONLY valid JSON.`

	user = fmt.Sprintf("NAMES ALREADY TAKEN (do not reuse): %s\n\nPAGE CONTEXT:\n%s",
		strings.Join(existingNames, ", "), pageContext)
	return system, user
}

// ParentFieldsPrompt finds fields that reference parent entities
func ParentFieldsPrompt(formName, dom string) (system, user string) {
	system = `You analyze a data-entry form and identify fields that reference OTHER entities (e.g. a "Customer" picker on an Order form) and fields that are record identifiers. Return JSON: {"parent_fields": [{"field_name", "entity_name", "selector"}], "id_fields": ["..."]}. An entity_name is the business name of the referenced record type. Return ONLY valid JSON.`

	user = fmt.Sprintf("FORM NAME: %s\n\nFORM DOM:\n%s", formName, dom)
	return system, user
}

// UIDefectsPrompt scans a screenshot for visual defects
func UIDefectsPrompt(formName string) (system, user string) {
	system = `You inspect a screenshot of a web form for visual defects: overlapping elements, cut-off labels, broken layout, unreadable text. Return JSON: {"defects": [{"kind", "description", "severity"}]}. An empty defects array means the page looks correct. Return ONLY valid JSON.`

	user = fmt.Sprintf("FORM NAME: %s\nInspect the attached screenshot.", formName)
	return system, user
}

// IsSubmissionButtonPrompt classifies a button as form-opening or not
func IsSubmissionButtonPrompt(buttonText string) (system, user string) {
	system = `You decide whether a button on a business web app opens a data-entry form (create/add/new record) as opposed to filtering, exporting, searching or navigating. Return JSON: {"answer": true|false, "reasoning": "..."}. Return ONLY valid JSON.`

	user = fmt.Sprintf("BUTTON TEXT: %q", buttonText)
	return system, user
}

// NavigationClickablesPrompt downselects clickables worth exploring from a
// screenshot; the model answers with candidate indices
func NavigationClickablesPrompt(candidates []ClickableCandidate) (system, user string) {
	system = `You look at a screenshot of a business web app and a numbered list of clickable elements. Pick the elements most likely to lead to data-entry forms or to navigation sections containing them. Skip logout, help, profile, notifications, external links and pagination. Return JSON: {"indices": [0, 3, ...]}. Return ONLY valid JSON.`

	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%d] <%s> %q (selector: %s)\n", c.Index, c.Tag, c.Text, c.Selector)
	}

	user = "CLICKABLE ELEMENTS:\n" + b.String()
	return system, user
}

// FormStepsPrompt asks for the next steps to fill and submit the current form
func FormStepsPrompt(dom string, testCases []string, currentPath, previousPaths []string) (system, user string) {
	system = strings.Join([]string{
		"You generate browser automation steps that fill in and submit the data-entry form on the page, exploring one untried path through the form per request.",
		selectorRules,
		actionVocabulary,
		forceRegenerateRule,
		`If the form has conditional sections controlled by a select, treat that select as a junction: set "is_junction": true with "junction_info": {"field_name", "selected_value", "other_values"}.`,
		`If every meaningful path has been explored, return {"no_more_paths": true}.`,
		`If the page shows an error page (404, 500, crash), return {"page_error_detected": true}.`,
		stepsOutputShape,
	}, "\n\n")

	user = fmt.Sprintf("TEST CASES TO COVER:\n%s\n\nCURRENT PATH SO FAR:\n%s\n\nPATHS ALREADY EXPLORED (do not repeat):\n%s\n\nPAGE DOM:\n%s",
		strings.Join(testCases, "\n"),
		strings.Join(currentPath, "\n"),
		strings.Join(previousPaths, "\n"),
		dom)
	return system, user
}

// RegenerateStepsPrompt retries after a failed step. Already-executed steps
// ride along; the model continues from them instead of starting over.
func RegenerateStepsPrompt(dom string, executed []domain.Step, testCases []string, failureNote string) (system, user string) {
	system = strings.Join([]string{
		"You regenerate browser automation steps after a failure. The steps listed as EXECUTED have already run; generate only the remaining steps from the current page state.",
		selectorRules,
		actionVocabulary,
		forceRegenerateRule,
		`Steps marked "dont_regenerate": true must be carried over unchanged.`,
		stepsOutputShape,
	}, "\n\n")

	user = fmt.Sprintf("FAILURE: %s\n\nEXECUTED STEPS:\n%s\n\nTEST CASES:\n%s\n\nCURRENT PAGE DOM:\n%s",
		failureNote, formatSteps(executed), strings.Join(testCases, "\n"), dom)
	return system, user
}

// VerifyStepsPrompt asks for verification steps after a save/submit. Expected
// values come from the fill steps that were executed, never from the
// post-submit DOM; a silently dropped value must fail verification.
func VerifyStepsPrompt(dom string, filledValues map[string]string) (system, user string) {
	system = strings.Join([]string{
		`You generate "verify" steps that confirm a saved record shows the values that were entered. Each step: {"action": "verify", "selector", "value"} where value is the EXPECTED text.`,
		selectorRules,
		`Expected values are listed below; use them verbatim. Do not read expected values off the current page.`,
		`Return JSON: {"steps": [...]}. Return ONLY valid JSON.`,
	}, "\n\n")

	var b strings.Builder
	for field, value := range filledValues {
		fmt.Fprintf(&b, "%s = %s\n", field, value)
	}

	user = fmt.Sprintf("VALUES THAT WERE ENTERED:\n%s\nCURRENT PAGE DOM:\n%s", b.String(), dom)
	return system, user
}

// AnalyzeErrorPrompt classifies an alert or failure into scenario and fault
func AnalyzeErrorPrompt(errorInfo string, executed []domain.Step, dom string) (system, user string) {
	system = `You analyze a failure during automated form filling. Classify it:
- "scenario": "A" if the alert appeared while steps were still executing, "B" if it appeared after submission.
- "issue_type": "real_issue" (the application is broken), "ai_issue" (the generated steps or values were wrong), "api_error" or "parse_error".
- "problematic_fields": fields whose values caused the failure.
- "field_requirements": map of field name to what the form evidently requires there.
Return JSON: {"scenario", "issue_type", "summary", "problematic_fields", "field_requirements"}. Return ONLY valid JSON.`

	user = fmt.Sprintf("ERROR:\n%s\n\nEXECUTED STEPS:\n%s\n\nPAGE DOM:\n%s",
		errorInfo, formatSteps(executed), dom)
	return system, user
}

// AnalyzeValidationErrorsPrompt inspects inline validation messages
func AnalyzeValidationErrorsPrompt(executed []domain.Step, dom string) (system, user string) {
	system = `You inspect a form that rejected submitted values with inline validation messages. Identify which fields failed and what the form requires. Return JSON: {"scenario": "B", "issue_type": "real_issue"|"ai_issue", "problematic_fields", "field_requirements", "summary"}. An "ai_issue" means the entered values were simply wrong for the field; a "real_issue" means the form rejects values it should accept. Return ONLY valid JSON.`

	user = fmt.Sprintf("EXECUTED STEPS:\n%s\n\nPAGE DOM:\n%s", formatSteps(executed), dom)
	return system, user
}

// FailureRecoveryPrompt asks for replacement steps after a step could not be
// executed at all (element not found, timeout)
func FailureRecoveryPrompt(failed domain.Step, executed []domain.Step, dom string) (system, user string) {
	system = strings.Join([]string{
		"A browser automation step failed to execute. Generate replacement steps that achieve the same intent from the current page state.",
		selectorRules,
		actionVocabulary,
		`Return JSON: {"steps": [...]}. Return ONLY valid JSON.`,
	}, "\n\n")

	user = fmt.Sprintf("FAILED STEP:\n%s\n\nSTEPS ALREADY EXECUTED:\n%s\n\nCURRENT PAGE DOM:\n%s",
		formatSteps([]domain.Step{failed}), formatSteps(executed), dom)
	return system, user
}

// VerifyJunctionPrompt compares before/after screenshots of a select change
func VerifyJunctionPrompt(step domain.Step) (system, user string) {
	system = `You compare two screenshots of a form taken before and after a select value changed. Decide whether the change revealed, hid or altered form fields (a "junction"). Return JSON: {"is_junction": true|false, "field_name", "worth_exploring": ["value", ...], "reasoning"}. Return ONLY valid JSON.`

	user = fmt.Sprintf("CHANGED FIELD: %s (selector %s), new value: %q. The first image is BEFORE, the second is AFTER.",
		step.FieldName, step.Selector, step.Value)
	return system, user
}

// AssignTestCasesPrompt maps generated test cases onto the explored paths
func AssignTestCasesPrompt(paths []string, testCases []string) (system, user string) {
	system = `You assign test cases to explored form paths. Each path is a sequence of interactions through the form; each test case should be assigned to the path that exercises it. Return JSON: {"assignments": [{"path_index": 0, "test_cases": ["..."]}]}. Return ONLY valid JSON.`

	var b strings.Builder
	for i, p := range paths {
		fmt.Fprintf(&b, "[%d] %s\n", i, p)
	}

	user = fmt.Sprintf("PATHS:\n%s\nTEST CASES:\n%s", b.String(), strings.Join(testCases, "\n"))
	return system, user
}

func formatSteps(steps []domain.Step) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s %s", i+1, s.Action, s.Selector)
		if s.Value != "" {
			fmt.Fprintf(&b, " = %q", s.Value)
		}
		if s.FieldName != "" {
			fmt.Fprintf(&b, " (%s)", s.FieldName)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
