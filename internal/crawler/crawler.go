// Package crawler discovers form pages in an authenticated web app. It runs
// on the agent, drives a headless browser depth-first through the UI, and
// calls back to the server for AI classification and route persistence.
package crawler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crawler/driver"
	"github.com/formscout/formscout/internal/domain"
)

// Classifier is the AI surface the crawler needs. On the agent this is an
// HTTP client for the server's classification endpoints.
type Classifier interface {
	ExtractFormName(ctx context.Context, pageContext string, existingNames []string) (string, error)
	IsSubmissionButton(ctx context.Context, buttonText string) (bool, error)
	GetNavigationClickables(ctx context.Context, screenshotB64 string, candidates []Clickable) ([]int, error)
}

// RouteSink persists discovered routes (through the server, never directly)
type RouteSink interface {
	SaveRoute(ctx context.Context, route *domain.FormPageRoute) error
}

// Config parameterizes one discovery run
type Config struct {
	CrawlSessionID int64
	NetworkID      int64
	ProjectID      int64
	StartURL       string
	BaseURL        string
	MaxDepth       int
	TargetName     string
	SlowMode       bool
	MaxClickables  int
	LoginStages    []domain.Step
	Headless       bool
}

// Stats summarizes a finished run
type Stats struct {
	PagesCrawled int
	FormsFound   int
	Duration     time.Duration
}

// Engine is the depth-first crawl engine. It runs serially: one browser, one
// page, one state at a time, so replayed paths stay deterministic.
type Engine struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	browserCtx playwright.BrowserContext
	page       playwright.Page
	drv        *driver.Driver

	cfg      Config
	classify Classifier
	sink     RouteSink
	logger   *zap.Logger

	baseHost  string
	seen      *seenSet
	globalNav map[string]bool
	formNames []string

	pagesCrawled int
	formsFound   int
	startTime    time.Time

	onProgress  func(pages, forms int)
	cancelCheck func() bool
}

// NewEngine launches a browser and prepares a crawl
func NewEngine(cfg Config, classify Classifier, sink RouteSink, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 20
	}
	if cfg.MaxClickables <= 0 {
		cfg.MaxClickables = 50
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1920, Height: 1080},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating page: %w", err)
	}

	return &Engine{
		pw:         pw,
		browser:    browser,
		browserCtx: browserCtx,
		page:       page,
		drv:        driver.New(page, cfg.SlowMode, logger),
		cfg:        cfg,
		classify:   classify,
		sink:       sink,
		logger:     logger,
		baseHost:   base.Host,
		seen:       newSeenSet(),
		globalNav:  make(map[string]bool),
	}, nil
}

// SetProgressCallback registers a pages/forms progress reporter
func (e *Engine) SetProgressCallback(fn func(pages, forms int)) {
	e.onProgress = fn
}

// SetCancelCheck registers the cancellation probe, polled between states
func (e *Engine) SetCancelCheck(fn func() bool) {
	e.cancelCheck = fn
}

// Close releases browser resources
func (e *Engine) Close() error {
	e.drv.Cleanup()
	if e.browserCtx != nil {
		e.browserCtx.Close()
	}
	if e.browser != nil {
		e.browser.Close()
	}
	if e.pw != nil {
		return e.pw.Stop()
	}
	return nil
}

// Run executes the discovery: login, then depth-first exploration
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	e.startTime = time.Now()

	if _, err := e.page.Goto(e.cfg.StartURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return e.stats(), &domain.DomainError{
			Code:    domain.ErrCodeSiteUnavailable,
			Message: fmt.Sprintf("opening %s: %v", e.cfg.StartURL, err),
		}
	}

	if len(e.cfg.LoginStages) > 0 {
		result, err := e.drv.ExecuteSteps(ctx, e.cfg.LoginStages)
		if err != nil || (result != nil && result.AlertFired) {
			msg := "login stages failed"
			if err != nil {
				msg = err.Error()
			} else if result.AlertText != "" {
				msg = result.AlertText
			}
			return e.stats(), &domain.DomainError{Code: domain.ErrCodeLoginFailed, Message: msg}
		}
		e.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(15000),
		})
	}

	// The root page's clickable names form the global navigation set; seeing
	// them again deeper down is noise, not discovery
	rootSnap, err := e.extract(ctx)
	if err != nil {
		return e.stats(), fmt.Errorf("extracting root page: %w", err)
	}
	for _, c := range rootSnap.Clickables {
		if t := normalizeText(c.Text); t != "" {
			e.globalNav[t] = false // known, not yet queued
		}
	}

	front := &frontier{}
	front.push(&CrawlState{URL: currentURL(e.page), Depth: 0})

	for front.len() > 0 {
		if err := ctx.Err(); err != nil {
			return e.stats(), err
		}
		if e.cancelCheck != nil && e.cancelCheck() {
			return e.stats(), &domain.DomainError{Code: domain.ErrCodeUserCancelled, Message: "cancelled by user"}
		}
		if e.pagesCrawled >= maxStates {
			e.logger.Warn("state ceiling reached", zap.Int("states", e.pagesCrawled))
			break
		}

		state := front.pop()
		if state.Depth > e.cfg.MaxDepth {
			continue
		}
		if !e.seen.visitPath(state.PathKey()) {
			continue
		}

		if err := e.processState(ctx, state, front); err != nil {
			e.logger.Warn("state skipped",
				zap.String("path", state.PathKey()), zap.Error(err))
		}

		e.pagesCrawled++
		if e.onProgress != nil {
			e.onProgress(e.pagesCrawled, e.formsFound)
		}
	}

	return e.stats(), nil
}

func (e *Engine) stats() *Stats {
	return &Stats{
		PagesCrawled: e.pagesCrawled,
		FormsFound:   e.formsFound,
		Duration:     time.Since(e.startTime),
	}
}

// processState replays a state's path and explores what it exposes
func (e *Engine) processState(ctx context.Context, state *CrawlState, front *frontier) error {
	if err := e.replay(ctx, state.Path); err != nil {
		return fmt.Errorf("replaying path: %w", err)
	}

	if err := e.handleNewTabs(ctx, state); err != nil {
		e.logger.Warn("tab handling failed", zap.Error(err))
	}

	// A dropdown opened by the last click is not a page: enqueue its items
	// as pseudo-states and move on
	if len(state.Path) > 0 {
		items, err := e.openDropdownItems()
		if err == nil && len(items) > 0 {
			e.enqueueDropdownItems(state, front, items)
			return nil
		}
	}

	snap, err := e.extract(ctx)
	if err != nil {
		return err
	}

	if code, broken := DetectErrorPage(snap.Title, snap.Heading); broken {
		e.logger.Warn("error page reached",
			zap.String("path", state.PathKey()), zap.String("code", code))
		return nil
	}

	if HasFormPage(snap, e.aiSubmission(ctx)) {
		return e.recordForm(ctx, state, snap, domain.DiscoveryDirectFormPage)
	}

	if err := e.exploreFormButtons(ctx, state, snap); err != nil {
		e.logger.Warn("form button exploration failed", zap.Error(err))
	}

	return e.enqueueClickables(ctx, state, snap, front)
}

// replay navigates to the start URL and re-executes the state's path
func (e *Engine) replay(ctx context.Context, path []domain.Step) error {
	if _, err := e.page.Goto(e.cfg.StartURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return err
	}
	if len(path) == 0 {
		return nil
	}
	result, err := e.drv.ExecuteSteps(ctx, path)
	if err != nil {
		return err
	}
	if result.AlertFired {
		e.logger.Debug("alert during replay accepted", zap.String("text", result.AlertText))
	}
	e.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(10000),
	})
	return nil
}

// handleNewTabs inspects tabs opened by the replayed clicks. A same-origin
// tab that is itself a form page becomes an opens_in_new_tab route; every
// extra tab is closed and the main tab restored.
func (e *Engine) handleNewTabs(ctx context.Context, state *CrawlState) error {
	pages := e.browserCtx.Pages()
	if len(pages) <= 1 {
		return nil
	}

	for _, p := range pages {
		if p == e.page {
			continue
		}
		tabURL := p.URL()
		if sameHost(tabURL, e.baseHost) {
			snap, err := e.extractFrom(ctx, p)
			if err == nil && HasFormPage(snap, e.aiSubmission(ctx)) {
				if err := e.recordFormAt(ctx, state, snap, tabURL, domain.DiscoveryOpensInNewTab); err != nil {
					e.logger.Warn("recording new-tab form failed", zap.Error(err))
				}
			}
		}
		p.Close()
	}
	return e.page.BringToFront()
}

// dropdownScript finds an open dropdown container and lists its items
const dropdownScript = `() => {
	const containers = document.querySelectorAll(
		".dropdown-menu.show, [role='menu'], .menu.open, .dropdown.open .dropdown-menu, [aria-expanded='true'] + ul"
	);
	for (const c of containers) {
		const style = window.getComputedStyle(c);
		if (style.display === 'none' || c.offsetHeight === 0) continue;
		const items = [];
		c.querySelectorAll("a, button, [role='menuitem'], li").forEach((el, i) => {
			const text = (el.innerText || '').trim();
			if (!text || el.offsetHeight === 0) return;
			items.push({ text: text, index: i });
		});
		if (items.length > 0) return items;
	}
	return [];
}`

type dropdownItem struct {
	Text  string
	Index int
}

// openDropdownItems reports items of a currently open dropdown, if any
func (e *Engine) openDropdownItems() ([]dropdownItem, error) {
	raw, err := e.page.Evaluate(dropdownScript)
	if err != nil {
		return nil, err
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, nil
	}
	items := make([]dropdownItem, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		idx, _ := m["index"].(float64)
		if text != "" {
			items = append(items, dropdownItem{Text: text, Index: int(idx)})
		}
	}
	return items, nil
}

// enqueueDropdownItems queues one child per menu item. The pseudo-URL keeps
// states distinct; the item inherits the dropdown annotation so the
// trigger+item pair survives path minimization.
func (e *Engine) enqueueDropdownItems(state *CrawlState, front *frontier, items []dropdownItem) {
	trigger := ""
	if len(state.Path) > 0 {
		trigger = state.Path[len(state.Path)-1].Text
	}
	// Mark the trigger step so minimization keeps it with its items
	if len(state.Path) > 0 {
		state.Path[len(state.Path)-1].OpensDropdown = true
	}

	for _, item := range items {
		if IsBlacklistedText(item.Text) || state.wouldLoop(item.Text) {
			continue
		}
		step := domain.Step{
			Action:       domain.ActionClick,
			Selector:     fmt.Sprintf("xpath://*[normalize-space(text())=%s]", xpathLiteral(item.Text)),
			Text:         item.Text,
			DropdownItem: true,
		}
		pseudoURL := fmt.Sprintf("%s#dropdown#%s#%s", state.URL, trigger, item.Text)
		if !e.seen.queueClickable(item.Text, step.Selector) {
			continue
		}
		front.push(state.Child(pseudoURL, step))
	}
}

// exploreFormButtons clicks each form-opening button and classifies what it
// did: navigation to a form page, a modal, or nothing worth keeping
func (e *Engine) exploreFormButtons(ctx context.Context, state *CrawlState, snap *PageSnapshot) error {
	urlBefore := currentURL(e.page)

	for _, btn := range snap.Buttons {
		if !IsFormOpeningText(btn.Text) || btn.InTable || IsBlacklistedText(btn.Text) {
			continue
		}
		if !e.seen.queueClickable(btn.Text, btn.Selector) {
			continue
		}

		step := domain.Step{
			Action:    domain.ActionClick,
			Selector:  btn.Selector,
			FullXPath: btn.FullXPath,
			Text:      btn.Text,
		}
		if err := e.drv.ExecuteStep(ctx, step); err != nil {
			e.logger.Debug("form button click failed", zap.String("text", btn.Text), zap.Error(err))
			continue
		}
		e.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(10000),
		})

		child := state.Child(currentURL(e.page), step)
		urlAfter := currentURL(e.page)

		switch {
		case urlAfter != urlBefore:
			if !sameHost(urlAfter, e.baseHost) {
				// Accidentally left the app; go back and forget it
				e.page.GoBack()
			} else if formSnap, err := e.extract(ctx); err == nil && HasFormPage(formSnap, e.aiSubmission(ctx)) {
				if err := e.recordForm(ctx, child, formSnap, domain.DiscoveryDefault); err != nil {
					e.logger.Warn("recording form failed", zap.Error(err))
				}
			}
		case e.modalVisible():
			if formSnap, err := e.extract(ctx); err == nil && HasFormPage(formSnap, e.aiSubmission(ctx)) {
				if err := e.recordForm(ctx, child, formSnap, domain.DiscoveryIsModal); err != nil {
					e.logger.Warn("recording modal form failed", zap.Error(err))
				}
			}
		}

		// Restore the state for the next button
		if err := e.replay(ctx, state.Path); err != nil {
			return fmt.Errorf("restoring state after %q: %w", btn.Text, err)
		}
	}
	return nil
}

const modalScript = `() => {
	const modals = document.querySelectorAll(".modal.show, [role='dialog'], [aria-modal='true']");
	for (const m of modals) {
		const style = window.getComputedStyle(m);
		if (style.display !== 'none' && m.offsetHeight > 0 && m.innerText.trim().length > 0) return true;
	}
	return false;
}`

func (e *Engine) modalVisible() bool {
	raw, err := e.page.Evaluate(modalScript)
	if err != nil {
		return false
	}
	visible, _ := raw.(bool)
	return visible
}

// enqueueClickables filters the generic clickables, downselects them with the
// vision model, and pushes the survivors as child states
func (e *Engine) enqueueClickables(ctx context.Context, state *CrawlState, snap *PageSnapshot, front *frontier) error {
	candidates := make([]Clickable, 0, len(snap.Clickables))
	for _, c := range snap.Clickables {
		text := normalizeText(c.Text)
		if text == "" || IsBlacklistedText(c.Text) || IsPaginationText(c.Text) {
			continue
		}
		if state.Depth > 0 {
			if _, isNav := e.globalNav[text]; isNav {
				continue
			}
		}
		if state.wouldLoop(c.Text) {
			continue
		}
		candidates = append(candidates, c)
		if len(candidates) >= e.cfg.MaxClickables {
			break
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	keep := e.visionDownselect(ctx, candidates)

	// Push in reverse so the stack pops top-of-page first
	for i := len(keep) - 1; i >= 0; i-- {
		c := keep[i]
		if !e.seen.queueClickable(c.Text, c.Selector) {
			continue
		}
		step := domain.Step{
			Action:        domain.ActionClick,
			Selector:      c.Selector,
			FullXPath:     c.FullXPath,
			Text:          c.Text,
			OpensDropdown: c.OpensDropdown,
		}
		front.push(state.Child(state.URL, step))
	}
	return nil
}

// visionDownselect asks the vision model which candidates are navigation
// targets. On any failure the full candidate list is kept; discovery degrades
// to breadth, not to a dead stop.
func (e *Engine) visionDownselect(ctx context.Context, candidates []Clickable) []Clickable {
	screenshot, err := e.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(70),
	})
	if err != nil {
		return candidates
	}

	indexed := make([]Clickable, len(candidates))
	copy(indexed, candidates)
	indices, err := e.classify.GetNavigationClickables(ctx,
		base64.StdEncoding.EncodeToString(screenshot), indexed)
	if err != nil {
		e.logger.Warn("vision downselect failed, keeping all candidates", zap.Error(err))
		return candidates
	}

	keep := make([]Clickable, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(candidates) {
			keep = append(keep, candidates[idx])
		}
	}
	sort.SliceStable(keep, func(i, j int) bool { return keep[i].Y < keep[j].Y })
	return keep
}

// recordForm persists the current page as a discovered form route
func (e *Engine) recordForm(ctx context.Context, state *CrawlState, snap *PageSnapshot, method domain.DiscoveryMethod) error {
	return e.recordFormAt(ctx, state, snap, currentURL(e.page), method)
}

func (e *Engine) recordFormAt(ctx context.Context, state *CrawlState, snap *PageSnapshot, formURL string, method domain.DiscoveryMethod) error {
	pageContext := snap.Title + "\n" + snap.Heading
	formName, err := e.classify.ExtractFormName(ctx, pageContext, e.formNames)
	if err != nil {
		return fmt.Errorf("naming form: %w", err)
	}

	if e.cfg.TargetName != "" &&
		!strings.Contains(strings.ToLower(formName), strings.ToLower(e.cfg.TargetName)) {
		return nil
	}

	steps := state.Path
	if method != domain.DiscoveryOpensInNewTab {
		minimized, err := e.minimizePath(ctx, state.Path, snap)
		if err != nil {
			e.logger.Warn("path minimization failed, keeping full path", zap.Error(err))
		} else {
			steps = minimized
		}
	}

	route := &domain.FormPageRoute{
		ProjectID:       e.cfg.ProjectID,
		NetworkID:       e.cfg.NetworkID,
		CrawlSessionID:  e.cfg.CrawlSessionID,
		FormName:        formName,
		URL:             formURL,
		NavigationSteps: steps,
		DiscoveryMethod: method,
		Depth:           state.Depth,
	}
	route.Finalize()

	if err := e.verifyRoute(ctx, route); err != nil {
		e.logger.Warn("route verification failed, persisting unverified",
			zap.String("form", formName), zap.Error(err))
	}

	if err := e.sink.SaveRoute(ctx, route); err != nil {
		return fmt.Errorf("saving route %q: %w", formName, err)
	}

	e.formNames = append(e.formNames, formName)
	e.formsFound++
	e.logger.Info("form discovered",
		zap.String("form", formName),
		zap.String("method", string(method)),
		zap.Int("depth", state.Depth),
		zap.Int("steps", len(steps)))

	if e.onProgress != nil {
		e.onProgress(e.pagesCrawled, e.formsFound)
	}
	return nil
}

// aiSubmission adapts the AI classifier into the pure form-page check
func (e *Engine) aiSubmission(ctx context.Context) func(string) bool {
	return func(text string) bool {
		ok, err := e.classify.IsSubmissionButton(ctx, text)
		if err != nil {
			e.logger.Warn("submission classification failed", zap.String("text", text), zap.Error(err))
			return false
		}
		return ok
	}
}

func (e *Engine) extract(ctx context.Context) (*PageSnapshot, error) {
	return e.extractFrom(ctx, e.page)
}

func currentURL(page playwright.Page) string {
	return page.URL()
}

func sameHost(raw, baseHost string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == baseHost
}

// xpathLiteral quotes a string for use in an XPath expression
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
