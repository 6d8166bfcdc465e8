package crawler

import (
	"strings"

	"github.com/formscout/formscout/internal/domain"
)

// maxStates is the safety ceiling on total explored states, independent of
// depth. A pathological SPA must not run the crawl forever.
const maxStates = 500

// CrawlState is one frontier entry: a path of clicks from the start page and
// the URL observed when it was queued. Identity is the path-key, not the URL;
// SPAs reuse one URL for many screens.
type CrawlState struct {
	URL   string
	Path  []domain.Step
	Depth int
}

// PathKey concatenates the clicked text tokens. Two states with the same
// click texts are the same screen even if the URL differs.
func (s *CrawlState) PathKey() string {
	if len(s.Path) == 0 {
		return "(root)"
	}
	tokens := make([]string, 0, len(s.Path))
	for _, step := range s.Path {
		token := strings.TrimSpace(step.Text)
		if token == "" {
			token = step.Selector
		}
		tokens = append(tokens, token)
	}
	return strings.Join(tokens, " > ")
}

// Child derives a new state by appending one click
func (s *CrawlState) Child(url string, step domain.Step) *CrawlState {
	path := make([]domain.Step, len(s.Path)+1)
	copy(path, s.Path)
	path[len(s.Path)] = step
	return &CrawlState{URL: url, Path: path, Depth: s.Depth + 1}
}

// wouldLoop reports whether clicking text again would revisit an ancestor of
// this path
func (s *CrawlState) wouldLoop(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, step := range s.Path {
		if strings.TrimSpace(step.Text) == t {
			return true
		}
	}
	return false
}

// frontier is a LIFO stack: depth-first keeps the browser near the current
// screen instead of replaying long paths for every sibling
type frontier struct {
	states []*CrawlState
}

func (f *frontier) push(s *CrawlState) {
	f.states = append(f.states, s)
}

func (f *frontier) pop() *CrawlState {
	if len(f.states) == 0 {
		return nil
	}
	s := f.states[len(f.states)-1]
	f.states = f.states[:len(f.states)-1]
	return s
}

func (f *frontier) len() int {
	return len(f.states)
}

// seenSet dedupes states by path-key and candidate clickables globally by
// text|selector
type seenSet struct {
	pathKeys   map[string]bool
	clickables map[string]bool
}

func newSeenSet() *seenSet {
	return &seenSet{
		pathKeys:   make(map[string]bool),
		clickables: make(map[string]bool),
	}
}

// visitPath marks a path-key visited; returns false when it already was
func (s *seenSet) visitPath(key string) bool {
	if s.pathKeys[key] {
		return false
	}
	s.pathKeys[key] = true
	return true
}

// queueClickable marks a text|selector pair queued; returns false on repeat
func (s *seenSet) queueClickable(text, selector string) bool {
	key := strings.TrimSpace(text) + "|" + selector
	if s.clickables[key] {
		return false
	}
	s.clickables[key] = true
	return true
}
