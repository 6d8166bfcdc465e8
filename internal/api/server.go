// Package api is the HTTP surface of the server: the agent protocol, the
// discovery and mapping session endpoints, and the AI classification
// callbacks agents use during a crawl.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/internal/budget"
	"github.com/formscout/formscout/internal/config"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/mapper"
	"github.com/formscout/formscout/internal/observability"
	"github.com/formscout/formscout/internal/taskbus"
	"github.com/formscout/formscout/pkg/httputil"
)

// Bus is the task-bus surface the handlers call. *taskbus.Service satisfies it.
type Bus interface {
	Register(ctx context.Context, req taskbus.RegisterRequest) (*taskbus.RegisterResponse, error)
	RefreshToken(ctx context.Context, apiKey string) (*taskbus.RegisterResponse, error)
	Heartbeat(ctx context.Context, req taskbus.HeartbeatRequest) (*taskbus.HeartbeatResponse, error)
	Enqueue(ctx context.Context, task *domain.AgentTask) error
	PollTask(ctx context.Context, userID int64) (*domain.AgentTask, error)
	ReportTaskStatus(ctx context.Context, req taskbus.ReportRequest) error
	ReportFormMapperResult(ctx context.Context, report taskbus.MapperReport) (*taskbus.MapperReportResponse, error)
}

// MapperService drives mapping sessions. *mapper.Orchestrator satisfies it.
type MapperService interface {
	Start(ctx context.Context, req mapper.StartRequest) (*mapper.Session, error)
	Get(ctx context.Context, sessionID string) (*mapper.Session, error)
	Cancel(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// HealthCheck pings a single dependency for the readiness endpoint
type HealthCheck func(ctx context.Context) error

// AIService is the broker slice behind the classification endpoints
type AIService interface {
	GenerateLoginSteps(ctx context.Context, cc ai.CallContext, dom string, credentials map[string]string, hints string) (*ai.StepsResult, error)
	GenerateLogoutSteps(ctx context.Context, cc ai.CallContext, dom, hints string) (*ai.StepsResult, error)
	ExtractFormName(ctx context.Context, cc ai.CallContext, pageContext string, existingNames []string) (string, error)
	ExtractParentFields(ctx context.Context, cc ai.CallContext, formName, dom string) (*ai.ParentFieldsResult, error)
	VerifyUIDefects(ctx context.Context, cc ai.CallContext, formName, screenshotB64 string) (*ai.UIDefectsResult, error)
	IsSubmissionButton(ctx context.Context, cc ai.CallContext, buttonText string) (bool, error)
	GetNavigationClickables(ctx context.Context, cc ai.CallContext, screenshotB64 string, candidates []ai.ClickableCandidate) ([]int, error)
}

// BudgetGate pre-checks admission before a session is created
type BudgetGate interface {
	Check(ctx context.Context, companyID, productID int64, estimated float64) (*budget.Decision, error)
}

// ArtifactSigner issues presigned upload URLs for crawl artifacts
type ArtifactSigner interface {
	PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Server wires handlers, middleware and dependencies
type Server struct {
	cfg     *config.Config
	bus     Bus
	mapper  MapperService
	broker  AIService
	gate    BudgetGate
	signer  ArtifactSigner
	issuer  *taskbus.TokenIssuer
	metrics *observability.Metrics
	logger  *zap.Logger

	agents   domain.AgentRepository
	sessions domain.CrawlSessionRepository
	networks domain.NetworkRepository
	routes   domain.FormPageRouteRepository
	usage    domain.ApiUsageRepository

	encKey    []byte
	readiness map[string]HealthCheck
}

// NewServer creates the API server
func NewServer(
	cfg *config.Config,
	bus Bus,
	mapperSvc MapperService,
	broker AIService,
	gate BudgetGate,
	signer ArtifactSigner,
	issuer *taskbus.TokenIssuer,
	agents domain.AgentRepository,
	sessions domain.CrawlSessionRepository,
	networks domain.NetworkRepository,
	routes domain.FormPageRouteRepository,
	usage domain.ApiUsageRepository,
	encKey []byte,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		bus:      bus,
		mapper:   mapperSvc,
		broker:   broker,
		gate:     gate,
		signer:   signer,
		issuer:   issuer,
		agents:   agents,
		sessions: sessions,
		networks: networks,
		routes:   routes,
		usage:    usage,
		encKey:   encKey,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetReadinessChecks installs the named dependency pings served by /ready
func (s *Server) SetReadinessChecks(checks map[string]HealthCheck) {
	s.readiness = checks
}

// Router builds the HTTP routing tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	if s.cfg.Security.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Security.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Agent-API-Key", "X-Register-Token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Credential endpoints: no JWT yet
		r.Post("/agents/register", s.handleAgentRegister)
		r.Post("/agents/token", s.handleAgentToken)

		// Agent protocol: api key + JWT
		r.Group(func(r chi.Router) {
			r.Use(s.agentAuth)
			r.Post("/agents/heartbeat", s.handleAgentHeartbeat)
			r.Get("/agents/tasks/poll", s.handleAgentPoll)
			r.Post("/agents/tasks/report", s.handleAgentReport)
			r.Post("/agents/mapper/report", s.handleMapperReport)

			r.Post("/sessions/{sessionID}/progress", s.handleSessionProgress)
			r.Post("/form-pages", s.handleFormPageCreate)

			r.Route("/form-pages/ai", func(r chi.Router) {
				r.Post("/login-steps", s.handleAILoginSteps)
				r.Post("/logout-steps", s.handleAILogoutSteps)
				r.Post("/form-name", s.handleAIFormName)
				r.Post("/parent-fields", s.handleAIParentFields)
				r.Post("/ui-defects", s.handleAIUIDefects)
				r.Post("/is-submission-button", s.handleAIIsSubmission)
				r.Post("/navigation-clickables", s.handleAINavigationClickables)
			})
		})

		// Operator/UI endpoints
		r.Post("/networks/{networkID}/locate", s.handleLocate)
		r.Get("/sessions/{sessionID}", s.handleSessionStatus)
		r.Post("/sessions/{sessionID}/cancel", s.handleSessionCancel)
		r.Get("/projects/{projectID}/form-pages", s.handleFormPageList)

		r.Post("/mapper/sessions", s.handleMapperStart)
		r.Get("/mapper/sessions/{sessionID}", s.handleMapperStatus)
		r.Post("/mapper/sessions/{sessionID}/cancel", s.handleMapperCancel)
		r.Delete("/mapper/sessions/{sessionID}", s.handleMapperDelete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReady runs every installed dependency check and reports 503 with the
// per-dependency breakdown when any of them fails
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.readiness))
	allHealthy := true
	for name, check := range s.readiness {
		if err := check(r.Context()); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := http.StatusOK
	statusText := "ready"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusText = "not ready"
	}

	httputil.JSON(w, status, map[string]any{
		"status": statusText,
		"checks": checks,
	})
}
