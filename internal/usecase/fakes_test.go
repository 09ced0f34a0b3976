package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// In-memory fakes mirroring the store and broker semantics closely enough
// for flow tests: transitions go through the state machine, FindActive
// honors the single-active rule, queues are per-type FIFO slices.

type memStore struct {
	mu        sync.Mutex
	profiles  map[int64]domain.Profile
	prefs     map[int64]map[string]string
	creds     []domain.Credential
	companies map[string]int64
	roles     map[int64]*domain.Role
	apps      map[int64]*domain.Application
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		profiles:  make(map[int64]domain.Profile),
		prefs:     make(map[int64]map[string]string),
		companies: make(map[string]int64),
		roles:     make(map[int64]*domain.Role),
		apps:      make(map[int64]*domain.Application),
	}
}

func (m *memStore) id() int64 { m.nextID++; return m.nextID }

// ProfileRepository

func (m *memStore) Upsert(_ domain.Context, p domain.Profile) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	p.UpdatedAt = time.Now()
	m.profiles[p.ID] = p
	return p.ID, nil
}

func (m *memStore) Get(_ domain.Context, id int64) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) Default(_ domain.Context) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Profile
	for id := range m.profiles {
		p := m.profiles[id]
		if best == nil || p.ID < best.ID {
			best = &p
		}
	}
	if best == nil {
		return domain.Profile{}, domain.ErrNotFound
	}
	return *best, nil
}

func (m *memStore) SetPreference(_ domain.Context, profileID int64, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs[profileID] == nil {
		m.prefs[profileID] = make(map[string]string)
	}
	m.prefs[profileID][key] = value
	return nil
}

func (m *memStore) Preferences(_ domain.Context, profileID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.prefs[profileID]))
	for k, v := range m.prefs[profileID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) UpsertCredential(_ domain.Context, c domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.creds {
		if m.creds[i].ProfileID == c.ProfileID && m.creds[i].SiteHostname == c.SiteHostname {
			m.creds[i] = c
			return nil
		}
	}
	c.ID = m.id()
	m.creds = append(m.creds, c)
	return nil
}

func (m *memStore) CredentialForURL(_ domain.Context, profileID int64, postingURL string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ProfileID == profileID && c.SiteHostname != "" && strings.Contains(postingURL, c.SiteHostname) {
			return c, nil
		}
	}
	return domain.Credential{}, domain.ErrNotFound
}

// RoleRepository

func (m *memStore) UpsertCompany(_ domain.Context, name, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	norm := domain.NormalizeCompanyName(name)
	if id, ok := m.companies[norm]; ok {
		return id, nil
	}
	id := m.id()
	m.companies[norm] = id
	return id, nil
}

func (m *memStore) Create(_ domain.Context, r domain.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.UniqueHash == r.UniqueHash {
			return 0, domain.ErrConflict
		}
	}
	r.ID = m.id()
	if r.Status == "" {
		r.Status = domain.RoleSourced
	}
	r.CreatedAt = time.Now()
	m.roles[r.ID] = &r
	return r.ID, nil
}

func (m *memStore) GetRole(_ domain.Context, id int64) (domain.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return domain.Role{}, domain.ErrNotFound
	}
	return *r, nil
}

func (m *memStore) FindByUniqueHash(_ domain.Context, hash string) (domain.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.UniqueHash == hash {
			return *r, nil
		}
	}
	return domain.Role{}, domain.ErrNotFound
}

func (m *memStore) SetRank(_ domain.Context, id int64, score float64, rationale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.RankScore = &score
	r.RankRationale = rationale
	r.Status = domain.RoleRanked
	return nil
}

func (m *memStore) UpdateStatus(_ domain.Context, id int64, status domain.RoleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.RoleStatusAllowed(r.Status, status) {
		return domain.ErrIllegalTransition
	}
	r.Status = status
	return nil
}

// roleRepo adapts memStore to domain.RoleRepository, resolving the Get
// name clash with ProfileRepository.
type roleRepo struct{ *memStore }

func (r roleRepo) Get(ctx domain.Context, id int64) (domain.Role, error) { return r.GetRole(ctx, id) }

// ApplicationRepository

type appRepo struct{ *memStore }

func (a appRepo) Create(_ domain.Context, profileID, roleID int64) (domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, app := range a.apps {
		if app.ProfileID == profileID && app.RoleID == roleID && app.Status.Active() {
			return domain.Application{}, domain.ErrConflict
		}
	}
	now := time.Now()
	app := &domain.Application{
		ID: a.id(), RoleID: roleID, ProfileID: profileID,
		Status: domain.AppDraft, CreatedAt: now, UpdatedAt: now,
	}
	a.apps[app.ID] = app
	return *app, nil
}

func (a appRepo) Get(_ domain.Context, id int64) (domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app, ok := a.apps[id]
	if !ok {
		return domain.Application{}, domain.ErrNotFound
	}
	return *app, nil
}

func (a appRepo) FindActive(_ domain.Context, profileID, roleID int64) (domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, app := range a.apps {
		if app.ProfileID == profileID && app.RoleID == roleID && app.Status.Active() {
			return *app, nil
		}
	}
	return domain.Application{}, domain.ErrNotFound
}

func (a appRepo) ApplyTransition(_ domain.Context, id int64, event domain.Event, effects ...domain.TransitionEffect) (domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app, ok := a.apps[id]
	if !ok {
		return domain.Application{}, domain.ErrNotFound
	}
	next, err := domain.Transition(app.Status, event)
	if err != nil {
		return *app, err
	}
	app.Status = next
	for _, effect := range effects {
		effect(app)
	}
	app.UpdatedAt = time.Now()
	return *app, nil
}

func (a appRepo) ListSummaries(_ domain.Context, status string) ([]domain.ApplicationSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.ApplicationSummary
	for _, app := range a.apps {
		if status != "" && string(app.Status) != status {
			continue
		}
		title, company := "", ""
		if r, ok := a.roles[app.RoleID]; ok {
			title, company = r.Title, r.CompanyName
		}
		out = append(out, domain.ApplicationSummary{
			ID: app.ID, RoleTitle: title, CompanyName: company,
			Status: app.Status, CreatedAt: app.CreatedAt, SubmittedAt: app.SubmittedAt,
		})
	}
	return out, nil
}

func (a appRepo) ListStuckSubmitting(_ domain.Context, cutoff time.Time) ([]domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Application
	for _, app := range a.apps {
		if app.Status == domain.AppSubmitting && app.UpdatedAt.Before(cutoff) {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (a appRepo) OldestWaitingApproval(_ domain.Context, profileID int64) (domain.Application, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var oldest *domain.Application
	for _, app := range a.apps {
		if app.ProfileID != profileID || app.Status != domain.AppWaitingApproval {
			continue
		}
		if oldest == nil || app.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = app
		}
	}
	if oldest == nil {
		return domain.Application{}, domain.ErrNotFound
	}
	return *oldest, nil
}

func (a appRepo) CountByStatus(_ domain.Context, status domain.ApplicationStatus) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, app := range a.apps {
		if app.Status == status {
			n++
		}
	}
	return n, nil
}

// setApp force-installs an application row for test setup, bypassing the
// state machine.
func (a appRepo) setApp(app domain.Application) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if app.ID == 0 {
		app.ID = a.id()
	}
	cp := app
	a.apps[app.ID] = &cp
}

// fakeBroker is an in-memory domain.Broker with per-type FIFO slices.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[domain.TaskType][]*domain.QueueTask
	results    map[string]json.RawMessage
	heartbeats map[string]domain.HeartbeatPayload
	seq        int
	failPub    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[domain.TaskType][]*domain.QueueTask),
		results:    make(map[string]json.RawMessage),
		heartbeats: make(map[string]domain.HeartbeatPayload),
	}
}

func (b *fakeBroker) Publish(_ domain.Context, t domain.TaskType, payload any, priority int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPub != nil {
		return "", b.failPub
	}
	if !domain.ValidTaskType(t) {
		return "", domain.ErrInvalidArgument
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	b.seq++
	task := &domain.QueueTask{
		ID: fmt.Sprintf("%s_%d", t, b.seq), Type: t, Payload: raw,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Priority: priority,
	}
	if priority > 0 {
		b.queues[t] = append([]*domain.QueueTask{task}, b.queues[t]...)
	} else {
		b.queues[t] = append(b.queues[t], task)
	}
	return task.ID, nil
}

func (b *fakeBroker) Consume(_ domain.Context, t domain.TaskType, _ time.Duration) (*domain.QueueTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[t]
	if len(q) == 0 {
		return nil, nil
	}
	task := q[0]
	b.queues[t] = q[1:]
	return task, nil
}

func (b *fakeBroker) Republish(_ domain.Context, task *domain.QueueTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[task.Type] = append(b.queues[task.Type], task)
	return nil
}

func (b *fakeBroker) PublishResult(_ domain.Context, taskID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[taskID] = raw
	return nil
}

func (b *fakeBroker) Result(_ domain.Context, taskID string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.results[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (b *fakeBroker) PublishChannel(_ domain.Context, _ string, _ any) error { return nil }

func (b *fakeBroker) Heartbeat(_ domain.Context, service string, hb domain.HeartbeatPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hb.Timestamp == "" {
		hb.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.heartbeats[service] = hb
	return nil
}

func (b *fakeBroker) LastHeartbeat(_ domain.Context, service string) (domain.HeartbeatPayload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb, ok := b.heartbeats[service]
	if !ok {
		return domain.HeartbeatPayload{}, domain.ErrNotFound
	}
	return hb, nil
}

func (b *fakeBroker) QueueStats(_ domain.Context) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(map[string]int64)
	for _, t := range domain.TaskTypes() {
		stats[string(t)] = int64(len(b.queues[t]))
	}
	return stats, nil
}

func (b *fakeBroker) Ping(_ domain.Context) error { return nil }

func (b *fakeBroker) queueLen(t domain.TaskType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[t])
}

// fakeAI returns canned results.
type fakeAI struct {
	details domain.RoleDetails
	rank    domain.RankResult
}

func (f *fakeAI) ExtractRole(_ domain.Context, _ string) (domain.RoleDetails, error) {
	return f.details, nil
}

func (f *fakeAI) RankRole(_ domain.Context, _ domain.Role, _ domain.Profile) (domain.RankResult, error) {
	return f.rank, nil
}

func (f *fakeAI) DraftDocuments(_ domain.Context, _ domain.Role, _ domain.Profile, _ *domain.AIInstructions) (domain.DocumentDraft, error) {
	return domain.DocumentDraft{ResumeMD: "# resume", CoverLetterMD: "cover"}, nil
}

func (f *fakeAI) AnswerQuestion(_ domain.Context, _ string, _ domain.UserData, _ map[string]string) (string, bool, error) {
	return "", false, nil
}

// fakeRenderer returns the markdown bytes as the "pdf".
type fakeRenderer struct{}

func (fakeRenderer) RenderPDF(_ domain.Context, markdown string) ([]byte, error) {
	return []byte("%PDF " + markdown), nil
}

// fakeBlobs records uploads and returns deterministic URLs.
type fakeBlobs struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeBlobs) Put(_ domain.Context, name string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, name)
	return "https://blobs.test/" + name, nil
}

func (f *fakeBlobs) Ping(_ domain.Context) error { return nil }

// fakeGateway records sends and can fail transiently.
type fakeGateway struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeGateway) Send(_ domain.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return fmt.Errorf("gateway down: %w", domain.ErrTransient)
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeGateway) Ping(_ domain.Context) error { return nil }

// fakeScraper returns canned markdown.
type fakeScraper struct{ markdown string }

func (f *fakeScraper) Scrape(_ domain.Context, _ string) (string, error) {
	return f.markdown, nil
}
