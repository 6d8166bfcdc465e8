package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// FormPageRouteRepository implements domain.FormPageRouteRepository with PostgreSQL
type FormPageRouteRepository struct {
	db sqlx.ExtContext
}

// NewFormPageRouteRepository creates a new form page route repository
func NewFormPageRouteRepository(db sqlx.ExtContext) *FormPageRouteRepository {
	return &FormPageRouteRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *FormPageRouteRepository) WithTx(tx *sqlx.Tx) *FormPageRouteRepository {
	return &FormPageRouteRepository{db: tx}
}

// formRouteRow represents the database row structure. Steps and field lists
// live in JSONB columns; everything queryable is a plain column.
type formRouteRow struct {
	ID                   int64      `db:"id"`
	ProjectID            int64      `db:"project_id"`
	NetworkID            int64      `db:"network_id"`
	CrawlSessionID       int64      `db:"crawl_session_id"`
	FormName             string     `db:"form_name"`
	URL                  string     `db:"url"`
	NormalizedURL        string     `db:"normalized_url"`
	LoginURL             *string    `db:"login_url"`
	Username             *string    `db:"username"`
	NavigationSteps      []byte     `db:"navigation_steps"`
	IDFields             []byte     `db:"id_fields"`
	ParentFields         []byte     `db:"parent_fields"`
	IsRoot               bool       `db:"is_root"`
	ParentFormRouteID    *int64     `db:"parent_form_route_id"`
	DiscoveryMethod      string     `db:"discovery_method"`
	Depth                int        `db:"depth"`
	VerificationAttempts int        `db:"verification_attempts"`
	LastVerifiedAt       *time.Time `db:"last_verified_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
	DeletedAt            *time.Time `db:"deleted_at"`
}

func (r *formRouteRow) toDomain() (*domain.FormPageRoute, error) {
	route := &domain.FormPageRoute{
		ID:                   r.ID,
		ProjectID:            r.ProjectID,
		NetworkID:            r.NetworkID,
		CrawlSessionID:       r.CrawlSessionID,
		FormName:             r.FormName,
		URL:                  r.URL,
		NormalizedURL:        r.NormalizedURL,
		IsRoot:               r.IsRoot,
		ParentFormRouteID:    r.ParentFormRouteID,
		DiscoveryMethod:      domain.DiscoveryMethod(r.DiscoveryMethod),
		Depth:                r.Depth,
		VerificationAttempts: r.VerificationAttempts,
		LastVerifiedAt:       r.LastVerifiedAt,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
	if r.LoginURL != nil {
		route.LoginURL = *r.LoginURL
	}
	if r.Username != nil {
		route.Username = *r.Username
	}

	if len(r.NavigationSteps) > 0 {
		if err := json.Unmarshal(r.NavigationSteps, &route.NavigationSteps); err != nil {
			return nil, err
		}
	}
	if len(r.IDFields) > 0 {
		if err := json.Unmarshal(r.IDFields, &route.IDFields); err != nil {
			return nil, err
		}
	}
	if len(r.ParentFields) > 0 {
		if err := json.Unmarshal(r.ParentFields, &route.ParentFields); err != nil {
			return nil, err
		}
	}

	return route, nil
}

const formRouteColumns = `
	id, project_id, network_id, crawl_session_id, form_name, url, normalized_url,
	login_url, username, navigation_steps, id_fields, parent_fields, is_root,
	parent_form_route_id, discovery_method, depth, verification_attempts,
	last_verified_at, created_at, updated_at, deleted_at
`

// Create inserts a discovered route. The (project_id, normalized_url) unique
// constraint makes re-discovery of a known page a conflict, which callers
// treat as "already mapped" rather than an error.
func (r *FormPageRouteRepository) Create(ctx context.Context, route *domain.FormPageRoute) error {
	navSteps, err := json.Marshal(route.NavigationSteps)
	if err != nil {
		return err
	}
	idFields, err := json.Marshal(route.IDFields)
	if err != nil {
		return err
	}
	parentFields, err := json.Marshal(route.ParentFields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO form_page_routes (
			project_id, network_id, crawl_session_id, form_name, url,
			normalized_url, login_url, username, navigation_steps, id_fields,
			parent_fields, is_root, parent_form_route_id, discovery_method,
			depth, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`

	row := r.db.QueryRowxContext(ctx, query,
		route.ProjectID,
		route.NetworkID,
		route.CrawlSessionID,
		route.FormName,
		route.URL,
		route.NormalizedURL,
		route.LoginURL,
		route.Username,
		navSteps,
		idFields,
		parentFields,
		route.IsRoot,
		route.ParentFormRouteID,
		string(route.DiscoveryMethod),
		route.Depth,
		route.CreatedAt,
		route.UpdatedAt,
	)
	if err := row.Scan(&route.ID); err != nil {
		if isUniqueViolation(err) {
			return &domain.DomainError{
				Code:    domain.ErrCodeConflict,
				Message: "form page already mapped for project",
				Details: map[string]any{"normalized_url": route.NormalizedURL},
				Err:     domain.ErrAlreadyExistsVal,
			}
		}
		return err
	}

	return nil
}

// GetByID retrieves a route by ID
func (r *FormPageRouteRepository) GetByID(ctx context.Context, id int64) (*domain.FormPageRoute, error) {
	query := `SELECT ` + formRouteColumns + ` FROM form_page_routes WHERE id = $1 AND deleted_at IS NULL`

	var row formRouteRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("form page route", id)
		}
		return nil, err
	}

	return row.toDomain()
}

// ListByProject retrieves all routes for a project
func (r *FormPageRouteRepository) ListByProject(ctx context.Context, projectID int64) ([]*domain.FormPageRoute, error) {
	query := `
		SELECT ` + formRouteColumns + `
		FROM form_page_routes
		WHERE project_id = $1 AND deleted_at IS NULL
		ORDER BY id
	`

	var rows []formRouteRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, projectID); err != nil {
		return nil, err
	}

	routes := make([]*domain.FormPageRoute, 0, len(rows))
	for i := range rows {
		route, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	return routes, nil
}

// ListBySession retrieves routes discovered by one crawl session
func (r *FormPageRouteRepository) ListBySession(ctx context.Context, sessionID int64) ([]*domain.FormPageRoute, error) {
	query := `
		SELECT ` + formRouteColumns + `
		FROM form_page_routes
		WHERE crawl_session_id = $1 AND deleted_at IS NULL
		ORDER BY id
	`

	var rows []formRouteRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, sessionID); err != nil {
		return nil, err
	}

	routes := make([]*domain.FormPageRoute, 0, len(rows))
	for i := range rows {
		route, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	return routes, nil
}

// MarkVerified records a successful replay verification
func (r *FormPageRouteRepository) MarkVerified(ctx context.Context, id int64, attempts int, at time.Time) error {
	query := `
		UPDATE form_page_routes
		SET verification_attempts = $2, last_verified_at = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, attempts, at, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("form page route", id)
	}

	return nil
}

// txBeginner is satisfied by *sqlx.DB; a repository bound to a transaction
// does not see it and runs statements on the ambient transaction instead.
type txBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// RebuildHierarchy replaces the project's form forest. The delete and the
// inserts commit together: readers see either the old forest or the new one,
// never a half-built tree.
func (r *FormPageRouteRepository) RebuildHierarchy(ctx context.Context, projectID int64, edges []domain.ProjectFormHierarchy) error {
	if db, ok := r.db.(txBeginner); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err := r.WithTx(tx).rebuildHierarchy(ctx, projectID, edges); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	}
	return r.rebuildHierarchy(ctx, projectID, edges)
}

func (r *FormPageRouteRepository) rebuildHierarchy(ctx context.Context, projectID int64, edges []domain.ProjectFormHierarchy) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM project_form_hierarchy WHERE project_id = $1`, projectID); err != nil {
		return err
	}

	query := `
		INSERT INTO project_form_hierarchy (project_id, form_id, parent_form_id)
		VALUES ($1, $2, $3)
	`
	for _, e := range edges {
		if _, err := r.db.ExecContext(ctx, query, e.ProjectID, e.FormID, e.ParentFormID); err != nil {
			if isForeignKeyViolation(err) {
				return domain.NotFoundError("form page route", e.FormID)
			}
			return err
		}
	}

	return nil
}
