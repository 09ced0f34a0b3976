package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/auto-apply/internal/adapter/sms"
	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
	"github.com/fairyhunter13/auto-apply/internal/security"
	"github.com/fairyhunter13/auto-apply/internal/usecase"
)

// Pinger is the minimal liveness contract the health handler needs from
// each backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ApplicationTrigger starts or reuses an application for a role.
// *usecase.ApplyService satisfies it.
type ApplicationTrigger interface {
	Trigger(ctx domain.Context, roleID int64) (usecase.TriggerResult, error)
}

// InboundHandler routes one inbound SMS body and returns the reply text.
// *usecase.HITLController satisfies it.
type InboundHandler interface {
	HandleInbound(ctx domain.Context, from, body string) string
}

// Server wires usecases into HTTP handlers.
type Server struct {
	cfg      config.Config
	validate *validator.Validate

	apply    ApplicationTrigger
	hitl     InboundHandler
	profiles domain.ProfileRepository
	apps     domain.ApplicationRepository
	broker   domain.Broker
	box      *security.Box

	store Pinger
	blob  Pinger
	sms   Pinger
}

// NewServer constructs a Server. store/blob/sms pingers may be nil; nil
// services are reported healthy (not configured).
func NewServer(cfg config.Config, apply ApplicationTrigger, hitl InboundHandler,
	profiles domain.ProfileRepository, apps domain.ApplicationRepository,
	broker domain.Broker, box *security.Box, store, blob, smsPing Pinger) *Server {
	return &Server{
		cfg:      cfg,
		validate: validator.New(),
		apply:    apply,
		hitl:     hitl,
		profiles: profiles,
		apps:     apps,
		broker:   broker,
		box:      box,
		store:    store,
		blob:     blob,
		sms:      smsPing,
	}
}

// Router builds the dispatcher's route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(AccessLog())
	r.Use(SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Request-Id"},
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute)).
		Post("/webhooks/sms", s.handleSMSWebhook)

	r.Group(func(pr chi.Router) {
		pr.Use(APIKeyGuard(s.cfg.APIKey))
		pr.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
		pr.With(httprate.LimitByIP(s.cfg.IngestRateLimitPerMin, time.Minute)).
			Post("/ingest/profile", s.handleIngestProfile)
		pr.Post("/jobs/apply/{role_id}", s.handleApply)
		pr.Get("/applications", s.handleListApplications)
	})
	return r
}

type credentialInput struct {
	SiteHostname string `json:"site_hostname" validate:"required,hostname"`
	Username     string `json:"username" validate:"required,max=200"`
	Password     string `json:"password" validate:"required,max=500"`
}

type ingestProfileRequest struct {
	Headline    string            `json:"headline" validate:"required,max=200"`
	Summary     string            `json:"summary" validate:"max=8000"`
	Preferences map[string]string `json:"preferences" validate:"omitempty,dive,keys,max=100,endkeys,max=2000"`
	Credentials []credentialInput `json:"credentials" validate:"omitempty,dive"`
}

func (s *Server) handleIngestProfile(w http.ResponseWriter, r *http.Request) {
	var req ingestProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("validate: %s: %w", err.Error(), domain.ErrInvalidArgument), nil)
		return
	}
	ctx := r.Context()

	// Single-profile system: update the existing profile when one exists.
	profile := domain.Profile{Headline: req.Headline, Summary: req.Summary}
	if existing, err := s.profiles.Default(ctx); err == nil {
		profile.ID = existing.ID
	}
	profileID, err := s.profiles.Upsert(ctx, profile)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	for k, v := range req.Preferences {
		if err := s.profiles.SetPreference(ctx, profileID, k, v); err != nil {
			writeError(w, r, err, nil)
			return
		}
	}
	for _, c := range req.Credentials {
		sealed, err := s.box.Seal(c.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		err = s.profiles.UpsertCredential(ctx, domain.Credential{
			ProfileID:         profileID,
			SiteHostname:      c.SiteHostname,
			Username:          c.Username,
			EncryptedPassword: sealed,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "profile_id": profileID})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "role_id"), 10, 64)
	if err != nil || roleID <= 0 {
		writeError(w, r, fmt.Errorf("role_id must be a positive integer: %w", domain.ErrInvalidArgument), nil)
		return
	}
	res, err := s.apply.Trigger(r.Context(), roleID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := "ok"
	if res.Reused {
		status = "reused"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"task_id":        res.TaskID,
		"application_id": res.ApplicationID,
	})
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !domain.ValidApplicationStatus(status) {
		writeError(w, r, fmt.Errorf("unknown status %q: %w", status, domain.ErrInvalidArgument), nil)
		return
	}
	summaries, err := s.apps.ListSummaries(r.Context(), status)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if summaries == nil {
		summaries = []domain.ApplicationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": summaries})
}

// handleSMSWebhook validates the gateway signature before parsing anything
// else; unsigned requests are rejected outright. Replies go out through the
// notification queue, never inline.
func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, fmt.Errorf("parse form: %w", domain.ErrInvalidArgument), nil)
		return
	}
	fullURL := s.cfg.WebhookBaseURL + r.URL.RequestURI()
	sig := r.Header.Get("X-Twilio-Signature")
	if !sms.ValidateSignature(s.cfg.SMSAuthToken, fullURL, r.PostForm, sig) {
		writeError(w, r, fmt.Errorf("webhook signature mismatch: %w", domain.ErrForbidden), nil)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	reply := s.hitl.HandleInbound(r.Context(), from, body)
	if reply != "" && from != "" {
		_, err := s.broker.Publish(r.Context(), domain.TaskSendNotification, domain.SendNotificationPayload{
			To:      from,
			Message: reply,
		}, 0)
		if err != nil {
			slog.Error("webhook reply enqueue failed", slog.Any("error", err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports per-service liveness: 200 when everything is up,
// 503 when the store is down, 206 for any other degradation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	check := func(name string, p Pinger) bool {
		if p == nil {
			services[name] = "healthy"
			return true
		}
		if err := p.Ping(ctx); err != nil {
			slog.Warn("health check failed", slog.String("service", name), slog.Any("error", err))
			services[name] = "unhealthy"
			return false
		}
		services[name] = "healthy"
		return true
	}

	storeOK := check("store", s.store)
	brokerOK := check("broker", brokerPinger{s.broker})
	blobOK := check("blob", s.blob)
	smsOK := check("sms", s.sms)
	automationOK := s.automationAlive(ctx)
	if automationOK {
		services["automation"] = "healthy"
	} else {
		services["automation"] = "unhealthy"
	}

	payload := map[string]any{"services": services}
	if stats, err := s.broker.QueueStats(ctx); err == nil {
		payload["queues"] = stats
	}

	switch {
	case !storeOK:
		payload["status"] = "critical"
		writeJSON(w, http.StatusServiceUnavailable, payload)
	case !brokerOK || !blobOK || !smsOK || !automationOK:
		payload["status"] = "degraded"
		writeJSON(w, http.StatusPartialContent, payload)
	default:
		payload["status"] = "ok"
		writeJSON(w, http.StatusOK, payload)
	}
}

// automationAlive checks the worker heartbeat key. The broker expires it
// after the heartbeat TTL, so presence plus a fresh timestamp means live.
func (s *Server) automationAlive(ctx context.Context) bool {
	hb, err := s.broker.LastHeartbeat(ctx, usecase.WorkerService)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, hb.Timestamp)
	if err != nil {
		return false
	}
	ttl := s.cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return time.Since(ts) <= ttl
}

type brokerPinger struct{ b domain.Broker }

func (p brokerPinger) Ping(ctx context.Context) error {
	if p.b == nil {
		return errors.New("broker not configured")
	}
	return p.b.Ping(ctx)
}
