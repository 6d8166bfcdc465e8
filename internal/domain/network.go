package domain

import "context"

// Network is a target environment inside a customer project. It carries the
// authoritative login/logout stages the mapper replays before navigating.
type Network struct {
	ID                int64  `json:"id" db:"id"`
	ProjectID         int64  `json:"project_id" db:"project_id"`
	CompanyID         int64  `json:"company_id" db:"company_id"`
	Name              string `json:"name" db:"name"`
	BaseURL           string `json:"base_url" db:"base_url"`
	LoginURL          string `json:"login_url,omitempty" db:"login_url"`
	Username          string `json:"username,omitempty" db:"username"`
	PasswordEnc       string `json:"-" db:"password_enc"`
	LoginStages       []Step `json:"login_stages" db:"-"`
	LogoutStages      []Step `json:"logout_stages" db:"-"`
	UseVisionForClass bool   `json:"use_vision_for_classification" db:"use_vision_for_classification"`
	Timestamps
}

// NetworkRepository defines data access for networks
type NetworkRepository interface {
	GetByID(ctx context.Context, id int64) (*Network, error)
	UpdateLoginStages(ctx context.Context, id int64, stages []Step) error
	UpdateLogoutStages(ctx context.Context, id int64, stages []Step) error
}
