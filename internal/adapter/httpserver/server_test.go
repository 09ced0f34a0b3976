package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/security"
	"github.com/fairyhunter13/auto-apply/internal/usecase"
)

const testAPIKey = "test-key"

type stubTrigger struct {
	res usecase.TriggerResult
	err error
	got []int64
	mu  sync.Mutex
}

func (s *stubTrigger) Trigger(_ domain.Context, roleID int64) (usecase.TriggerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, roleID)
	return s.res, s.err
}

type stubInbound struct {
	reply string
	from  string
	body  string
	calls int
}

func (s *stubInbound) HandleInbound(_ domain.Context, from, body string) string {
	s.calls++
	s.from = from
	s.body = body
	return s.reply
}

type stubProfiles struct {
	mu       sync.Mutex
	profile  domain.Profile
	hasOne   bool
	prefs    map[string]string
	creds    map[string]domain.Credential
	upserted int64
}

func newStubProfiles() *stubProfiles {
	return &stubProfiles{prefs: map[string]string{}, creds: map[string]domain.Credential{}}
}

func (s *stubProfiles) Upsert(_ domain.Context, p domain.Profile) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = 1
	}
	s.profile = p
	s.hasOne = true
	s.upserted++
	return p.ID, nil
}

func (s *stubProfiles) Get(_ domain.Context, id int64) (domain.Profile, error) {
	if !s.hasOne {
		return domain.Profile{}, domain.ErrNotFound
	}
	return s.profile, nil
}

func (s *stubProfiles) Default(_ domain.Context) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasOne {
		return domain.Profile{}, domain.ErrNotFound
	}
	return s.profile, nil
}

func (s *stubProfiles) SetPreference(_ domain.Context, _ int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[key] = value
	return nil
}

func (s *stubProfiles) Preferences(_ domain.Context, _ int64) (map[string]string, error) {
	return s.prefs, nil
}

func (s *stubProfiles) UpsertCredential(_ domain.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.SiteHostname] = c
	return nil
}

func (s *stubProfiles) CredentialForURL(_ domain.Context, _ int64, _ string) (domain.Credential, error) {
	return domain.Credential{}, domain.ErrNotFound
}

type stubApps struct {
	summaries  []domain.ApplicationSummary
	lastFilter string
}

func (s *stubApps) Create(_ domain.Context, _, _ int64) (domain.Application, error) {
	return domain.Application{}, errors.New("not implemented")
}

func (s *stubApps) Get(_ domain.Context, _ int64) (domain.Application, error) {
	return domain.Application{}, domain.ErrNotFound
}

func (s *stubApps) FindActive(_ domain.Context, _, _ int64) (domain.Application, error) {
	return domain.Application{}, domain.ErrNotFound
}

func (s *stubApps) ApplyTransition(_ domain.Context, _ int64, _ domain.Event, _ ...domain.TransitionEffect) (domain.Application, error) {
	return domain.Application{}, errors.New("not implemented")
}

func (s *stubApps) ListSummaries(_ domain.Context, status string) ([]domain.ApplicationSummary, error) {
	s.lastFilter = status
	return s.summaries, nil
}

func (s *stubApps) ListStuckSubmitting(_ domain.Context, _ time.Time) ([]domain.Application, error) {
	return nil, nil
}

func (s *stubApps) OldestWaitingApproval(_ domain.Context, _ int64) (domain.Application, error) {
	return domain.Application{}, domain.ErrNotFound
}

func (s *stubApps) CountByStatus(_ domain.Context, _ domain.ApplicationStatus) (int, error) {
	return 0, nil
}

type published struct {
	taskType domain.TaskType
	payload  []byte
}

type stubBroker struct {
	mu        sync.Mutex
	published []published
	heartbeat *domain.HeartbeatPayload
	stats     map[string]int64
	pingErr   error
}

func (b *stubBroker) Publish(_ domain.Context, t domain.TaskType, payload any, _ int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{taskType: t, payload: raw})
	return "task-1", nil
}

func (b *stubBroker) Consume(_ domain.Context, _ domain.TaskType, _ time.Duration) (*domain.QueueTask, error) {
	return nil, nil
}

func (b *stubBroker) Republish(_ domain.Context, _ *domain.QueueTask) error { return nil }

func (b *stubBroker) PublishResult(_ domain.Context, _ string, _ any) error { return nil }

func (b *stubBroker) Result(_ domain.Context, _ string) (json.RawMessage, error) {
	return nil, domain.ErrNotFound
}

func (b *stubBroker) PublishChannel(_ domain.Context, _ string, _ any) error { return nil }

func (b *stubBroker) Heartbeat(_ domain.Context, _ string, _ domain.HeartbeatPayload) error {
	return nil
}

func (b *stubBroker) LastHeartbeat(_ domain.Context, _ string) (domain.HeartbeatPayload, error) {
	if b.heartbeat == nil {
		return domain.HeartbeatPayload{}, domain.ErrNotFound
	}
	return *b.heartbeat, nil
}

func (b *stubBroker) QueueStats(_ domain.Context) (map[string]int64, error) {
	if b.stats == nil {
		return map[string]int64{}, nil
	}
	return b.stats, nil
}

func (b *stubBroker) Ping(_ domain.Context) error { return b.pingErr }

type pinger struct{ err error }

func (p pinger) Ping(_ context.Context) error { return p.err }

type fixture struct {
	server   *Server
	trigger  *stubTrigger
	inbound  *stubInbound
	profiles *stubProfiles
	apps     *stubApps
	broker   *stubBroker
	box      *security.Box
	cfg      config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := security.GenerateKey()
	require.NoError(t, err)
	box, err := security.NewBox(key)
	require.NoError(t, err)

	cfg := config.Config{
		APIKey:                testAPIKey,
		SMSAuthToken:          "twilio-token",
		WebhookBaseURL:        "https://dispatcher.example.com",
		RateLimitPerMin:       1000,
		IngestRateLimitPerMin: 1000,
		HeartbeatTTL:          120 * time.Second,
	}
	f := &fixture{
		trigger:  &stubTrigger{res: usecase.TriggerResult{TaskID: "t1", ApplicationID: 7}},
		inbound:  &stubInbound{},
		profiles: newStubProfiles(),
		apps:     &stubApps{},
		broker:   &stubBroker{},
		box:      box,
		cfg:      cfg,
	}
	f.server = NewServer(cfg, f.trigger, f.inbound, f.profiles, f.apps, f.broker, box, pinger{}, pinger{}, pinger{})
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func authed(extra ...map[string]string) map[string]string {
	h := map[string]string{"X-API-Key": testAPIKey, "Content-Type": "application/json"}
	for _, m := range extra {
		for k, v := range m {
			h[k] = v
		}
	}
	return h
}

func TestApply_HappyPath(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs/apply/42", nil, authed())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "t1", resp["task_id"])
	assert.EqualValues(t, 7, resp["application_id"])
	assert.Equal(t, []int64{42}, f.trigger.got)
}

func TestApply_ReusedActiveApplication(t *testing.T) {
	f := newFixture(t)
	f.trigger.res = usecase.TriggerResult{TaskID: "t1", ApplicationID: 7, Reused: true}

	rec := f.do(t, http.MethodPost, "/jobs/apply/42", nil, authed())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reused", resp["status"])
	assert.EqualValues(t, 7, resp["application_id"])
}

func TestApply_RequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs/apply/42", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/apply/42", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.trigger.got)
}

func TestApply_BadRoleID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs/apply/banana", nil, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestApply_UnknownRole(t *testing.T) {
	f := newFixture(t)
	f.trigger.err = domain.ErrNotFound

	rec := f.do(t, http.MethodPost, "/jobs/apply/99", nil, authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApply_BudgetExceededConflicts(t *testing.T) {
	f := newFixture(t)
	f.trigger.err = domain.ErrBudgetExceeded

	rec := f.do(t, http.MethodPost, "/jobs/apply/42", nil, authed())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "BUDGET_EXCEEDED")
}

func TestIngestProfile_UpsertsAndEncryptsCredentials(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(map[string]any{
		"headline":    "Senior Go engineer",
		"summary":     "Ten years of backend work.",
		"preferences": map[string]string{"email": "ada@example.com"},
		"credentials": []map[string]string{{
			"site_hostname": "jobs.acme.test",
			"username":      "ada@example.com",
			"password":      "hunter2",
		}},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/ingest/profile", body, authed())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["profile_id"])
	assert.Equal(t, "ada@example.com", f.profiles.prefs["email"])

	cred, ok := f.profiles.creds["jobs.acme.test"]
	require.True(t, ok)
	assert.NotContains(t, string(cred.EncryptedPassword), "hunter2")
	clear, err := f.box.Open(cred.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", clear)
}

func TestIngestProfile_SecondPostUpdatesSameProfile(t *testing.T) {
	f := newFixture(t)
	first, err := json.Marshal(map[string]any{"headline": "v1"})
	require.NoError(t, err)
	second, err := json.Marshal(map[string]any{"headline": "v2"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/ingest/profile", first, authed())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/ingest/profile", second, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["profile_id"])
	assert.Equal(t, "v2", f.profiles.profile.Headline)
}

func TestIngestProfile_ValidationError(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"summary": "no headline"}`)

	rec := f.do(t, http.MethodPost, "/ingest/profile", body, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestListApplications_FilterValidated(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/applications?status=bogus", nil, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.apps.summaries = []domain.ApplicationSummary{{
		ID: 7, RoleTitle: "Backend Engineer", CompanyName: "Acme", Status: domain.AppSubmitted,
	}}
	rec = f.do(t, http.MethodGet, "/applications?status=submitted", nil, authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "submitted", f.apps.lastFilter)
	assert.Contains(t, rec.Body.String(), "Backend Engineer")
}

func TestListApplications_EmptyListNotNull(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/applications", nil, authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applications":[]`)
}

func signForm(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, f *fixture, form url.Values, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		sig := signForm(f.cfg.SMSAuthToken, f.cfg.WebhookBaseURL+"/webhooks/sms", form)
		req.Header.Set("X-Twilio-Signature", sig)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_RejectsUnsigned(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"From": {"+15551234567"}, "Body": {"status"}}

	rec := postWebhook(t, f, form, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.inbound.calls)
}

func TestWebhook_RejectsTamperedBody(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"From": {"+15551234567"}, "Body": {"status"}}
	sig := signForm(f.cfg.SMSAuthToken, f.cfg.WebhookBaseURL+"/webhooks/sms", form)

	tampered := url.Values{"From": {"+15551234567"}, "Body": {"report"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(tampered.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.inbound.calls)
}

func TestWebhook_ValidSignatureRepliesViaQueue(t *testing.T) {
	f := newFixture(t)
	f.inbound.reply = "📊 Pipeline status\nqueued tasks: 0"
	form := url.Values{"From": {"+15551234567"}, "Body": {"status"}}

	rec := postWebhook(t, f, form, true)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.inbound.calls)
	assert.Equal(t, "+15551234567", f.inbound.from)
	assert.Equal(t, "status", f.inbound.body)

	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	require.Len(t, f.broker.published, 1)
	assert.Equal(t, domain.TaskSendNotification, f.broker.published[0].taskType)
	var note domain.SendNotificationPayload
	require.NoError(t, json.Unmarshal(f.broker.published[0].payload, &note))
	assert.Equal(t, "+15551234567", note.To)
	assert.Contains(t, note.Message, "Pipeline status")
}

func freshHeartbeat() *domain.HeartbeatPayload {
	return &domain.HeartbeatPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Status:    "idle",
	}
}

func TestHealth_AllHealthy(t *testing.T) {
	f := newFixture(t)
	f.broker.heartbeat = freshHeartbeat()
	f.broker.stats = map[string]int64{"job_application": 2}

	rec := f.do(t, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
		Queues   map[string]int64  `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "healthy", resp.Services["automation"])
	assert.EqualValues(t, 2, resp.Queues["job_application"])
}

func TestHealth_DegradedWithoutHeartbeat(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	var resp struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Services["automation"])
}

func TestHealth_StaleHeartbeatIsUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.broker.heartbeat = &domain.HeartbeatPayload{
		Timestamp: time.Now().Add(-3 * time.Minute).UTC().Format(time.RFC3339Nano),
		Status:    "processing",
	}

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
}

func TestHealth_CriticalWhenStoreDown(t *testing.T) {
	f := newFixture(t)
	f.broker.heartbeat = freshHeartbeat()
	f.server = NewServer(f.cfg, f.trigger, f.inbound, f.profiles, f.apps, f.broker, f.box,
		pinger{err: errors.New("connection refused")}, pinger{}, pinger{})

	rec := f.do(t, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"critical"`)
}
