// Package driver executes mapping steps against a live browser page. It is
// the single place that knows how to turn the step vocabulary into Playwright
// calls.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	clickTimeout   = 15 * time.Second
	slowModeDelay  = 1500 * time.Millisecond
)

// Result reports what happened while executing a step list
type Result struct {
	ExecutedSteps   int
	FailedStepIndex int
	AlertFired      bool
	AlertText       string
}

// Driver drives a Playwright page through the step vocabulary. Not safe for
// concurrent use; the agent executes serially.
type Driver struct {
	page     playwright.Page
	mainPage playwright.Page
	// shadowRoot, when set, scopes CSS lookups to a shadow DOM subtree.
	// XPath cannot cross shadow boundaries, so only CSS works inside.
	shadowRoot playwright.Locator
	frame      playwright.FrameLocator
	slowMode   bool
	logger     *zap.Logger

	mu        sync.Mutex
	alertText []string

	tempFiles []string
}

// New creates a driver bound to a page. Dialogs are accepted automatically
// and their text captured for the alert-analysis flow.
func New(page playwright.Page, slowMode bool, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		page:     page,
		mainPage: page,
		slowMode: slowMode,
		logger:   logger,
	}
	page.OnDialog(func(dialog playwright.Dialog) {
		d.mu.Lock()
		d.alertText = append(d.alertText, dialog.Message())
		d.mu.Unlock()
		_ = dialog.Accept()
	})
	return d
}

// Page returns the currently active page (main or popup)
func (d *Driver) Page() playwright.Page {
	return d.page
}

// DrainAlerts returns captured dialog texts and clears the buffer
func (d *Driver) DrainAlerts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	alerts := d.alertText
	d.alertText = nil
	return alerts
}

// Cleanup removes files produced by create_file steps
func (d *Driver) Cleanup() {
	for _, f := range d.tempFiles {
		_ = os.Remove(f)
	}
	d.tempFiles = nil
}

// ExecuteSteps runs steps in order, stopping on the first failure or alert.
// An alert is not a step failure; the caller decides what it means.
func (d *Driver) ExecuteSteps(ctx context.Context, steps []domain.Step) (*Result, error) {
	result := &Result{FailedStepIndex: -1}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			result.FailedStepIndex = i
			return result, err
		}

		if err := d.ExecuteStep(ctx, step); err != nil {
			result.FailedStepIndex = i
			return result, fmt.Errorf("step %d (%s %s): %w", i, step.Action, step.Selector, err)
		}
		result.ExecutedSteps++

		if alerts := d.DrainAlerts(); len(alerts) > 0 {
			result.AlertFired = true
			result.AlertText = strings.Join(alerts, "\n")
			return result, nil
		}

		if d.slowMode {
			d.page.WaitForTimeout(float64(slowModeDelay.Milliseconds()))
		}
	}
	return result, nil
}

// ExecuteStep runs a single step
func (d *Driver) ExecuteStep(ctx context.Context, step domain.Step) error {
	switch step.Action {
	case domain.ActionClick:
		return d.click(step)
	case domain.ActionFill:
		return d.fill(step)
	case domain.ActionSelect:
		return d.selectOption(step)
	case domain.ActionCheck:
		return d.setChecked(step, true)
	case domain.ActionUncheck:
		return d.setChecked(step, false)
	case domain.ActionHover:
		loc, err := d.locate(step)
		if err != nil {
			return err
		}
		return loc.Hover(playwright.LocatorHoverOptions{Timeout: timeoutMs(defaultTimeout)})
	case domain.ActionScroll:
		loc, err := d.locate(step)
		if err != nil {
			return err
		}
		return loc.ScrollIntoViewIfNeeded()
	case domain.ActionWait:
		return d.wait(step)
	case domain.ActionPressKey:
		return d.page.Keyboard().Press(step.Value)
	case domain.ActionSwitchToFrame:
		return d.switchToFrame(step)
	case domain.ActionSwitchToShadowRoot:
		return d.switchToShadowRoot(step)
	case domain.ActionSwitchToDefault:
		d.frame = nil
		d.shadowRoot = nil
		return nil
	case domain.ActionSwitchToWindow:
		return d.switchToWindow()
	case domain.ActionSwitchToParentWin:
		d.page = d.mainPage
		d.frame = nil
		d.shadowRoot = nil
		return nil
	case domain.ActionSlider:
		return d.slider(step)
	case domain.ActionDragAndDrop:
		return d.dragAndDrop(step)
	case domain.ActionVerify:
		return d.verify(step)
	case domain.ActionNavigate:
		_, err := d.page.Goto(step.Value, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   timeoutMs(clickTimeout),
		})
		return err
	case domain.ActionRefresh:
		_, err := d.page.Reload()
		return err
	case domain.ActionCreateFile:
		return d.createFile(step)
	case domain.ActionUploadFile:
		return d.uploadFile(step)
	default:
		return fmt.Errorf("unhandled action %q", step.Action)
	}
}

// locate resolves a step's selector, preferring the primary selector and
// falling back to the full XPath
func (d *Driver) locate(step domain.Step) (playwright.Locator, error) {
	loc, err := d.locator(step.Selector)
	if err == nil {
		if visible, verr := loc.First().IsVisible(); verr == nil && visible {
			return loc.First(), nil
		}
		count, cerr := loc.Count()
		if cerr == nil && count > 0 {
			return loc.First(), nil
		}
	}
	if step.FullXPath != "" && step.FullXPath != step.Selector {
		fallback, ferr := d.locator(step.FullXPath)
		if ferr == nil {
			return fallback.First(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return loc.First(), nil
}

func (d *Driver) locator(selector string) (playwright.Locator, error) {
	kind, sel := domain.ClassifySelector(selector)

	if d.shadowRoot != nil {
		if kind == domain.SelectorXPath {
			return nil, fmt.Errorf("xpath selector %q cannot cross a shadow root", selector)
		}
		return d.shadowRoot.Locator(sel), nil
	}

	target := sel
	if kind == domain.SelectorXPath {
		target = "xpath=" + sel
	}
	if d.frame != nil {
		return d.frame.Locator(target), nil
	}
	return d.page.Locator(target), nil
}

func (d *Driver) click(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	if err := loc.Click(playwright.LocatorClickOptions{Timeout: timeoutMs(clickTimeout)}); err == nil {
		return nil
	}
	// Overlapped elements: force-click rather than fail the whole path
	return loc.Click(playwright.LocatorClickOptions{
		Timeout: timeoutMs(defaultTimeout),
		Force:   playwright.Bool(true),
	})
}

func (d *Driver) fill(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	return loc.Fill(step.Value, playwright.LocatorFillOptions{Timeout: timeoutMs(defaultTimeout)})
}

func (d *Driver) selectOption(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	_, err = loc.SelectOption(playwright.SelectOptionValues{
		Labels: &[]string{step.Value},
	}, playwright.LocatorSelectOptionOptions{Timeout: timeoutMs(defaultTimeout)})
	if err == nil {
		return nil
	}
	_, err = loc.SelectOption(playwright.SelectOptionValues{
		Values: &[]string{step.Value},
	}, playwright.LocatorSelectOptionOptions{Timeout: timeoutMs(defaultTimeout)})
	return err
}

func (d *Driver) setChecked(step domain.Step, checked bool) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	return loc.SetChecked(checked, playwright.LocatorSetCheckedOptions{Timeout: timeoutMs(defaultTimeout)})
}

func (d *Driver) wait(step domain.Step) error {
	seconds, err := strconv.ParseFloat(step.Value, 64)
	if err != nil || seconds <= 0 {
		seconds = 1
	}
	if seconds > 30 {
		seconds = 30
	}
	d.page.WaitForTimeout(seconds * 1000)
	return nil
}

func (d *Driver) switchToFrame(step domain.Step) error {
	_, sel := domain.ClassifySelector(step.Selector)
	d.frame = d.page.FrameLocator(sel)
	return nil
}

func (d *Driver) switchToShadowRoot(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	d.shadowRoot = loc
	return nil
}

// switchToWindow activates the most recently opened popup
func (d *Driver) switchToWindow() error {
	pages := d.page.Context().Pages()
	if len(pages) < 2 {
		return fmt.Errorf("no popup window to switch to")
	}
	d.page = pages[len(pages)-1]
	d.frame = nil
	d.shadowRoot = nil
	return d.page.BringToFront()
}

func (d *Driver) slider(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	return loc.Fill(step.Value)
}

func (d *Driver) dragAndDrop(step domain.Step) error {
	source, err := d.locate(step)
	if err != nil {
		return err
	}
	_, targetSel := domain.ClassifySelector(step.Value)
	target, err := d.locator(targetSel)
	if err != nil {
		return err
	}
	return source.DragTo(target.First(), playwright.LocatorDragToOptions{Timeout: timeoutMs(defaultTimeout)})
}

// verify checks that the target element's text contains the expected value
func (d *Driver) verify(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	text, err := loc.TextContent(playwright.LocatorTextContentOptions{Timeout: timeoutMs(defaultTimeout)})
	if err != nil {
		return err
	}
	if !strings.Contains(strings.TrimSpace(text), strings.TrimSpace(step.Value)) {
		return fmt.Errorf("expected %q, page shows %q", step.Value, strings.TrimSpace(text))
	}
	return nil
}

// createFile materializes a small fixture file for a later upload_file step
func (d *Driver) createFile(step domain.Step) error {
	if !domain.ValidFileType(step.FileType) {
		return fmt.Errorf("file type %q not allowed", step.FileType)
	}
	name := step.Filename
	if name == "" {
		name = "upload." + step.FileType
	}
	path := filepath.Join(os.TempDir(), name)
	content := step.Value
	if content == "" {
		content = "formscout test file"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	d.tempFiles = append(d.tempFiles, path)
	return nil
}

func (d *Driver) uploadFile(step domain.Step) error {
	loc, err := d.locate(step)
	if err != nil {
		return err
	}
	name := step.Filename
	if name == "" && len(d.tempFiles) > 0 {
		return loc.SetInputFiles(d.tempFiles[len(d.tempFiles)-1])
	}
	return loc.SetInputFiles(filepath.Join(os.TempDir(), name))
}

func timeoutMs(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}
