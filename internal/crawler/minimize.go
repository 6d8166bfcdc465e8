package crawler

import (
	"context"
	"fmt"

	"github.com/formscout/formscout/internal/domain"
)

// minimizePath greedily drops intermediate steps and keeps only those the
// route actually needs: for each step, replay the path without it and check
// the destination still has the form. Dropdown trigger+item pairs stay
// together; dropping the trigger alone would orphan the item.
func (e *Engine) minimizePath(ctx context.Context, path []domain.Step, target *PageSnapshot) ([]domain.Step, error) {
	if len(path) <= 1 {
		return path, nil
	}

	kept := make([]domain.Step, len(path))
	copy(kept, path)

	i := 0
	for i < len(kept)-1 { // the final step always stays; it reaches the form
		if !skippable(kept, i) {
			i++
			continue
		}

		candidate := append(append([]domain.Step{}, kept[:i]...), kept[i+1:]...)
		if e.reachesForm(ctx, candidate, target) {
			kept = candidate
			continue // same index now holds the next step
		}
		i++
	}

	// Leave the browser on the verified minimal route
	if err := e.replay(ctx, kept); err != nil {
		return path, fmt.Errorf("replaying minimized path: %w", err)
	}
	return kept, nil
}

// skippable reports whether step i may be dropped on its own
func skippable(path []domain.Step, i int) bool {
	step := path[i]
	// Dropping a dropdown opener would leave its item unreachable, and a
	// dangling item never minimizes without its opener
	if step.OpensDropdown || step.DropdownItem {
		return false
	}
	return true
}

// reachesForm replays a candidate path and checks the destination still
// matches the target form (same heading, still has form fields)
func (e *Engine) reachesForm(ctx context.Context, path []domain.Step, target *PageSnapshot) bool {
	if err := e.replay(ctx, path); err != nil {
		return false
	}
	snap, err := e.extract(ctx)
	if err != nil {
		return false
	}
	if !HasFormPage(snap, nil) {
		return false
	}
	// Heading is the cheapest identity check between candidate and target
	return snap.Heading == target.Heading || snap.Title == target.Title
}
