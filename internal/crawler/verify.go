package crawler

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/domain"
)

// maxVerifyReplays bounds how often a route is replayed before giving up
const maxVerifyReplays = 3

// verifyRoute replays the route's steps end to end. A failing step gets one
// repair attempt per replay via fixFailingStep before the next full replay.
func (e *Engine) verifyRoute(ctx context.Context, route *domain.FormPageRoute) error {
	var lastErr error
	for attempt := 1; attempt <= maxVerifyReplays; attempt++ {
		route.VerificationAttempts = attempt

		failedIdx, err := e.replayForVerify(ctx, route.NavigationSteps)
		if err == nil {
			return nil
		}
		lastErr = err

		if failedIdx < 0 || failedIdx >= len(route.NavigationSteps) {
			continue
		}
		fixed, fixErr := e.fixFailingStep(ctx, route.NavigationSteps, failedIdx)
		if fixErr != nil {
			e.logger.Debug("step repair failed",
				zap.Int("step", failedIdx), zap.Error(fixErr))
			continue
		}
		route.NavigationSteps[failedIdx] = *fixed
	}
	return fmt.Errorf("route not reproducible after %d replays: %w", maxVerifyReplays, lastErr)
}

// replayForVerify runs the steps and reports which one failed
func (e *Engine) replayForVerify(ctx context.Context, steps []domain.Step) (int, error) {
	if _, err := e.page.Goto(e.cfg.StartURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return -1, err
	}
	result, err := e.drv.ExecuteSteps(ctx, steps)
	if err != nil {
		return result.FailedStepIndex, err
	}
	return -1, nil
}

// fixFailingStep re-navigates up to the step before the failure, finds the
// target again by its visible text, and regenerates a fresh selector
func (e *Engine) fixFailingStep(ctx context.Context, steps []domain.Step, failedIdx int) (*domain.Step, error) {
	failing := steps[failedIdx]
	if failing.Text == "" {
		return nil, fmt.Errorf("step has no text to search by")
	}

	if err := e.replay(ctx, steps[:failedIdx]); err != nil {
		return nil, fmt.Errorf("re-navigating to step %d: %w", failedIdx, err)
	}

	loc := e.page.Locator("xpath=//*[normalize-space(text())=" + xpathLiteral(failing.Text) + "]").First()
	count, err := loc.Count()
	if err != nil || count == 0 {
		return nil, fmt.Errorf("element with text %q not found", failing.Text)
	}

	selector, err := CSSPreferredSelector(e.page, loc)
	if err != nil {
		return nil, err
	}
	xpath, err := UniqueSelector(loc)
	if err != nil {
		xpath = ""
	}

	fixed := failing
	fixed.Selector = selector
	fixed.FullXPath = xpath
	e.logger.Info("step selector repaired",
		zap.Int("step", failedIdx),
		zap.String("text", failing.Text),
		zap.String("selector", selector))
	return &fixed, nil
}
