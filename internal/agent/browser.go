package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crawler/driver"
	"github.com/formscout/formscout/internal/domain"
)

var scriptTagPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)

// browserSession is the browser held open across the tasks of one mapping
// session. The orchestrator drives it one task at a time, so state between
// tasks (login cookies, the half-filled form) lives here.
type browserSession struct {
	id      string
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	drv     *driver.Driver
	logger  *zap.Logger
}

func newBrowserSession(id string, headless, slowMode bool, logger *zap.Logger) (*browserSession, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1920, Height: 1080},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating page: %w", err)
	}

	return &browserSession{
		id:      id,
		pw:      pw,
		browser: browser,
		bctx:    bctx,
		page:    page,
		drv:     driver.New(page, slowMode, logger),
		logger:  logger,
	}, nil
}

func (b *browserSession) close() {
	b.drv.Cleanup()
	b.bctx.Close()
	b.browser.Close()
	b.pw.Stop()
}

func (b *browserSession) goTo(url string) error {
	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	})
	return err
}

// executeSteps runs steps through the shared driver
func (b *browserSession) executeSteps(ctx context.Context, steps []domain.Step) (*driver.Result, error) {
	return b.drv.ExecuteSteps(ctx, steps)
}

// captureDOM snapshots the page for server-side analysis. The hash lets the
// orchestrator detect an unchanged page without shipping the DOM twice.
func (b *browserSession) captureDOM(includeJS bool) (domHTML, screenshotB64, domHash string, err error) {
	html, err := b.page.Content()
	if err != nil {
		return "", "", "", fmt.Errorf("reading page content: %w", err)
	}
	if !includeJS {
		html = scriptTagPattern.ReplaceAllString(html, "")
	}

	shot, err := b.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(70),
	})
	if err != nil {
		b.logger.Warn("screenshot failed", zap.String("session_id", b.id), zap.Error(err))
		shot = nil
	}

	sum := sha256.Sum256([]byte(html))
	return html, base64.StdEncoding.EncodeToString(shot), hex.EncodeToString(sum[:]), nil
}

// screenshot returns a base64 JPEG of the current viewport, empty on failure
func (b *browserSession) screenshot() string {
	shot, err := b.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(70),
	})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(shot)
}

// hasVisible reports whether a selector resolves to a visible element within
// the given timeout
func (b *browserSession) hasVisible(selector string, timeoutMs float64) bool {
	if selector == "" {
		return false
	}
	loc := b.page.Locator(selector).First()
	err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(timeoutMs),
	})
	return err == nil
}
