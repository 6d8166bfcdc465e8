package domain

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// DiscoveryMethod records how a form page was reached
type DiscoveryMethod string

const (
	DiscoveryDirectFormPage DiscoveryMethod = "direct_form_page"
	DiscoveryOpensInNewTab  DiscoveryMethod = "opens_in_new_tab"
	DiscoveryIsModal        DiscoveryMethod = "is_modal"
	DiscoveryDefault        DiscoveryMethod = "navigation"
)

// FormPageRoute is a discovered form page with a reproducible path to it.
// Written once; only verification bookkeeping mutates afterwards.
type FormPageRoute struct {
	ID                   int64           `json:"id" db:"id"`
	ProjectID            int64           `json:"project_id" db:"project_id"`
	NetworkID            int64           `json:"network_id" db:"network_id"`
	CrawlSessionID       int64           `json:"crawl_session_id" db:"crawl_session_id"`
	FormName             string          `json:"form_name" db:"form_name"`
	URL                  string          `json:"url" db:"url"`
	NormalizedURL        string          `json:"normalized_url" db:"normalized_url"`
	LoginURL             string          `json:"login_url,omitempty" db:"login_url"`
	Username             string          `json:"username,omitempty" db:"username"`
	NavigationSteps      []Step          `json:"navigation_steps" db:"-"`
	IDFields             []string        `json:"id_fields,omitempty" db:"-"`
	ParentFields         []ParentField   `json:"parent_fields,omitempty" db:"-"`
	IsRoot               bool            `json:"is_root" db:"is_root"`
	ParentFormRouteID    *int64          `json:"parent_form_route_id,omitempty" db:"parent_form_route_id"`
	DiscoveryMethod      DiscoveryMethod `json:"discovery_method" db:"discovery_method"`
	Depth                int             `json:"depth" db:"depth"`
	VerificationAttempts int             `json:"verification_attempts" db:"verification_attempts"`
	LastVerifiedAt       *time.Time      `json:"last_verified_at,omitempty" db:"last_verified_at"`
	Timestamps
}

// ParentField names a field on a form that references a parent entity,
// e.g. a "Customer" picker on an Order form.
type ParentField struct {
	FieldName  string `json:"field_name"`
	EntityName string `json:"entity_name"`
	Selector   string `json:"selector,omitempty"`
}

// Finalize derives NormalizedURL and the is_root invariant before persisting
func (r *FormPageRoute) Finalize() {
	r.NormalizedURL = NormalizeFormURL(r.URL)
	r.IsRoot = len(r.ParentFields) == 0
}

// NormalizeFormURL reduces a URL to host+path for project-level uniqueness.
// Query and fragment are stripped; scheme and trailing slash ignored.
func NormalizeFormURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	normalized := u.Host + strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(normalized)
}

// ProjectFormHierarchy is one edge of a project's form forest
type ProjectFormHierarchy struct {
	ProjectID    int64  `json:"project_id" db:"project_id"`
	FormID       int64  `json:"form_id" db:"form_id"`
	ParentFormID *int64 `json:"parent_form_id,omitempty" db:"parent_form_id"`
}

// BuildHierarchy computes the forest over a project's routes by matching each
// route's parent fields against other routes' form names. Cycles are broken
// by refusing edges that would make a node its own ancestor.
func BuildHierarchy(projectID int64, routes []*FormPageRoute) []ProjectFormHierarchy {
	byName := make(map[string]*FormPageRoute, len(routes))
	for _, r := range routes {
		byName[strings.ToLower(r.FormName)] = r
	}

	parentOf := make(map[int64]int64)
	var edges []ProjectFormHierarchy
	for _, r := range routes {
		var parentID *int64
		for _, pf := range r.ParentFields {
			parent, ok := byName[strings.ToLower(pf.EntityName)]
			if !ok || parent.ID == r.ID {
				continue
			}
			if wouldCycle(parentOf, r.ID, parent.ID) {
				continue
			}
			id := parent.ID
			parentID = &id
			parentOf[r.ID] = parent.ID
			break
		}
		edges = append(edges, ProjectFormHierarchy{
			ProjectID:    projectID,
			FormID:       r.ID,
			ParentFormID: parentID,
		})
	}
	return edges
}

func wouldCycle(parentOf map[int64]int64, child, parent int64) bool {
	hops := 0
	for cur := parent; ; {
		if cur == child {
			return true
		}
		next, ok := parentOf[cur]
		if !ok {
			return false
		}
		cur = next
		if hops++; hops > len(parentOf) {
			return true
		}
	}
}

// FormPageRouteRepository defines data access for form page routes
type FormPageRouteRepository interface {
	Create(ctx context.Context, route *FormPageRoute) error
	GetByID(ctx context.Context, id int64) (*FormPageRoute, error)
	ListByProject(ctx context.Context, projectID int64) ([]*FormPageRoute, error)
	ListBySession(ctx context.Context, sessionID int64) ([]*FormPageRoute, error)
	MarkVerified(ctx context.Context, id int64, attempts int, at time.Time) error
	RebuildHierarchy(ctx context.Context, projectID int64, edges []ProjectFormHierarchy) error
}
