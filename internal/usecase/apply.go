package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/security"
)

// ApplyService owns trigger intake: creating or reusing applications,
// preparing documents, decrypting site credentials, and publishing
// job_application tasks atomically with the state transition.
type ApplyService struct {
	Profiles domain.ProfileRepository
	Roles    domain.RoleRepository
	Apps     domain.ApplicationRepository
	Broker   domain.Broker
	Docs     *DocumentService
	Box      *security.Box

	// AttemptsCap bounds dispatcher-level re-publication per application.
	AttemptsCap int

	// mu serializes triggers per role so a racing double-POST observes the
	// application the first request created.
	mu keyedMutex
}

// NewApplyService constructs an ApplyService.
func NewApplyService(profiles domain.ProfileRepository, roles domain.RoleRepository, apps domain.ApplicationRepository, broker domain.Broker, docs *DocumentService, box *security.Box, attemptsCap int) *ApplyService {
	return &ApplyService{
		Profiles: profiles, Roles: roles, Apps: apps,
		Broker: broker, Docs: docs, Box: box, AttemptsCap: attemptsCap,
	}
}

// TriggerResult is what intake callers return to the user.
type TriggerResult struct {
	TaskID        string
	ApplicationID int64
	Reused        bool
}

// Trigger starts (or reuses) an application for the role. When an active
// application already exists its id is returned without publishing a new
// task.
func (s *ApplyService) Trigger(ctx domain.Context, roleID int64) (TriggerResult, error) {
	unlock := s.mu.lock("role:" + strconv.FormatInt(roleID, 10))
	defer unlock()

	role, err := s.Roles.Get(ctx, roleID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}
	profile, err := s.Profiles.Default(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}

	if existing, err := s.Apps.FindActive(ctx, profile.ID, roleID); err == nil {
		slog.Info("reusing active application",
			slog.Int64("application_id", existing.ID), slog.Int64("role_id", roleID))
		return TriggerResult{TaskID: existing.QueueTaskID, ApplicationID: existing.ID, Reused: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}

	app, err := s.Apps.Create(ctx, profile.ID, roleID)
	if err != nil {
		// Lost a race with another dispatcher replica; reuse its row.
		if errors.Is(err, domain.ErrConflict) {
			if existing, ferr := s.Apps.FindActive(ctx, profile.ID, roleID); ferr == nil {
				return TriggerResult{TaskID: existing.QueueTaskID, ApplicationID: existing.ID, Reused: true}, nil
			}
		}
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}

	resumeURL, coverURL, err := s.Docs.Prepare(ctx, role, profile, nil, app.ID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}
	app, err = s.Apps.ApplyTransition(ctx, app.ID, domain.EventDocumentsReady, func(a *domain.Application) {
		a.ResumeURL = resumeURL
		a.CoverLetterURL = coverURL
	})
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.trigger: %w", err)
	}

	taskID, err := s.publish(ctx, role, profile, app, nil, "")
	if err != nil {
		return TriggerResult{}, err
	}
	if err := s.Roles.UpdateStatus(ctx, roleID, domain.RoleApplying); err != nil {
		slog.Warn("role status update failed", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
	return TriggerResult{TaskID: taskID, ApplicationID: app.ID}, nil
}

// ResumeWithAnswer re-publishes a paused application with the user's reply
// merged into custom_answers, resuming from the persisted page state.
func (s *ApplyService) ResumeWithAnswer(ctx domain.Context, applicationID int64, answer string) (TriggerResult, error) {
	unlock := s.mu.lock("app:" + strconv.FormatInt(applicationID, 10))
	defer unlock()

	app, err := s.Apps.Get(ctx, applicationID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.resume: %w", err)
	}
	if app.Status != domain.AppWaitingApproval || app.ApprovalCtx == nil {
		return TriggerResult{}, fmt.Errorf("op=apply.resume: application %d not awaiting approval: %w", applicationID, domain.ErrConflict)
	}
	role, err := s.Roles.Get(ctx, app.RoleID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.resume: %w", err)
	}
	profile, err := s.Profiles.Get(ctx, app.ProfileID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.resume: %w", err)
	}

	answers := map[string]string{app.ApprovalCtx.Question: strings.TrimSpace(answer)}
	taskID, err := s.publish(ctx, role, profile, app, answers, app.ApprovalCtx.CurrentState)
	if err != nil {
		return TriggerResult{}, err
	}
	return TriggerResult{TaskID: taskID, ApplicationID: app.ID}, nil
}

// Retry re-publishes an application that landed in error, consuming one
// unit of the dispatcher attempts budget.
func (s *ApplyService) Retry(ctx domain.Context, applicationID int64) (TriggerResult, error) {
	unlock := s.mu.lock("app:" + strconv.FormatInt(applicationID, 10))
	defer unlock()

	app, err := s.Apps.Get(ctx, applicationID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.retry: %w", err)
	}
	if app.Attempts >= s.AttemptsCap {
		return TriggerResult{}, fmt.Errorf("op=apply.retry: application %d: %w", applicationID, domain.ErrBudgetExceeded)
	}
	role, err := s.Roles.Get(ctx, app.RoleID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.retry: %w", err)
	}
	profile, err := s.Profiles.Get(ctx, app.ProfileID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("op=apply.retry: %w", err)
	}
	taskID, err := s.publish(ctx, role, profile, app, nil, "")
	if err != nil {
		return TriggerResult{}, err
	}
	return TriggerResult{TaskID: taskID, ApplicationID: app.ID}, nil
}

// publish assembles the task payload and publishes it, then applies the
// EventPublished transition storing the new task id. The two steps are not
// one distributed transaction; an orphaned task whose transition failed is
// caught by the idempotency shield when its result arrives.
func (s *ApplyService) publish(ctx domain.Context, role domain.Role, profile domain.Profile, app domain.Application, extraAnswers map[string]string, resumeFrom string) (string, error) {
	prefs, err := s.Profiles.Preferences(ctx, profile.ID)
	if err != nil {
		return "", fmt.Errorf("op=apply.publish: %w", err)
	}
	payload := domain.JobApplicationPayload{
		JobID:          role.ID,
		JobURL:         role.PostingURL,
		Company:        role.CompanyName,
		Title:          role.Title,
		ApplicationID:  app.ID,
		UserData:       buildUserData(profile, prefs, app),
		CustomAnswers:  mergeAnswers(app.CustomAnswers, extraAnswers),
		AIInstructions: instructionsFromPrefs(prefs),
		ResumeFrom:     resumeFrom,
	}

	// Credentials are optional: many boards allow applying without login.
	cred, err := s.Profiles.CredentialForURL(ctx, profile.ID, role.PostingURL)
	switch {
	case err == nil:
		password, derr := s.Box.Open(cred.EncryptedPassword)
		if derr != nil {
			// Hard error. An undecryptable credential must never degrade to
			// an anonymous attempt.
			return "", fmt.Errorf("op=apply.publish: %w", derr)
		}
		payload.Credentials = &domain.TaskCredentials{Username: cred.Username, Password: password}
	case errors.Is(err, domain.ErrNotFound):
		// No stored login for this site.
	default:
		return "", fmt.Errorf("op=apply.publish: %w", err)
	}

	taskID, err := s.Broker.Publish(ctx, domain.TaskJobApplication, payload, 0)
	if err != nil {
		return "", fmt.Errorf("op=apply.publish: %w", err)
	}

	if _, err := s.Apps.ApplyTransition(ctx, app.ID, domain.EventPublished, func(a *domain.Application) {
		a.QueueTaskID = taskID
		a.Attempts++
		a.ApprovalCtx = nil
		a.CustomAnswers = payload.CustomAnswers
	}); err != nil {
		return "", fmt.Errorf("op=apply.publish: %w", err)
	}
	slog.Info("job application published",
		slog.String("task_id", taskID),
		slog.Int64("application_id", app.ID),
		slog.Int64("role_id", role.ID))
	return taskID, nil
}

func mergeAnswers(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Preference keys recognized when assembling worker user data.
const (
	prefName            = "name"
	prefFirstName       = "first_name"
	prefLastName        = "last_name"
	prefEmail           = "email"
	prefPhone           = "phone"
	prefLinkedin        = "linkedin_url"
	prefGithub          = "github_url"
	prefPortfolio       = "portfolio_url"
	prefWebsite         = "website"
	prefAddress         = "address"
	prefCity            = "city"
	prefState           = "state"
	prefZip             = "zip_code"
	prefCountry         = "country"
	prefCurrentRole     = "current_role"
	prefExperienceYears = "experience_years"
	prefEducation       = "education"
	prefWorkArrangement = "preferred_work_arrangement"
	prefAvailability    = "availability"
	prefSalary          = "salary_expectation"
	// prefAutoApply gates automatic triggering after ingestion; the SMS
	// stop/start commands flip it.
	prefAutoApply = "auto_apply"
)

func buildUserData(profile domain.Profile, prefs map[string]string, app domain.Application) domain.UserData {
	u := domain.UserData{
		Name:              prefs[prefName],
		FirstName:         prefs[prefFirstName],
		LastName:          prefs[prefLastName],
		Email:             prefs[prefEmail],
		Phone:             prefs[prefPhone],
		ResumeURL:         app.ResumeURL,
		CoverLetterURL:    app.CoverLetterURL,
		LinkedinURL:       prefs[prefLinkedin],
		GithubURL:         prefs[prefGithub],
		PortfolioURL:      prefs[prefPortfolio],
		Website:           prefs[prefWebsite],
		Address:           prefs[prefAddress],
		City:              prefs[prefCity],
		State:             prefs[prefState],
		ZipCode:           prefs[prefZip],
		Country:           prefs[prefCountry],
		CurrentRole:       prefs[prefCurrentRole],
		ExperienceYears:   prefs[prefExperienceYears],
		Education:         prefs[prefEducation],
		WorkArrangement:   prefs[prefWorkArrangement],
		Availability:      prefs[prefAvailability],
		SalaryExpectation: prefs[prefSalary],
		Summary:           profile.Summary,
		Headline:          profile.Headline,
	}
	if u.Name == "" && (u.FirstName != "" || u.LastName != "") {
		u.Name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	return u
}

func instructionsFromPrefs(prefs map[string]string) *domain.AIInstructions {
	tone := prefs["ai_tone"]
	focus := splitCSV(prefs["ai_focus_areas"])
	avoid := splitCSV(prefs["ai_avoid_topics"])
	if tone == "" && len(focus) == 0 && len(avoid) == 0 {
		return nil
	}
	return &domain.AIInstructions{Tone: tone, FocusAreas: focus, AvoidTopics: avoid}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// keyedMutex provides short-lived per-key locking for trigger
// serialization.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
