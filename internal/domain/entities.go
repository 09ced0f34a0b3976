// Package domain holds the core entities, ports, and state machine for the
// application orchestration engine. It has no dependencies on adapters.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrDecryptFailed     = errors.New("decrypt failed")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrBudgetExceeded    = errors.New("retry budget exceeded")
	// ErrTransient marks infrastructure blips (broker, store, gateway,
	// browser network) that are retried inside the owning component and
	// never surfaced to users.
	ErrTransient = errors.New("transient infrastructure error")
	ErrInternal  = errors.New("internal error")
)

// RoleStatus enumerates the lifecycle of a sourced job posting.
type RoleStatus string

const (
	RoleSourced  RoleStatus = "sourced"
	RoleRanked   RoleStatus = "ranked"
	RoleApplying RoleStatus = "applying"
	RoleApplied  RoleStatus = "applied"
	RoleIgnored  RoleStatus = "ignored"
)

// ApplicationStatus enumerates the application state machine states.
type ApplicationStatus string

const (
	AppDraft           ApplicationStatus = "draft"
	AppNeedsUserInfo   ApplicationStatus = "needs_user_info"
	AppReadyToSubmit   ApplicationStatus = "ready_to_submit"
	AppSubmitting      ApplicationStatus = "submitting"
	AppWaitingApproval ApplicationStatus = "waiting_approval"
	AppSubmitted       ApplicationStatus = "submitted"
	AppError           ApplicationStatus = "error"
	AppRejected        ApplicationStatus = "rejected"
	AppInterview       ApplicationStatus = "interview"
	AppOffer           ApplicationStatus = "offer"
	AppClosed          ApplicationStatus = "closed"
)

// Active reports whether the status is non-terminal. At most one active
// Application may exist per (profile, role).
func (s ApplicationStatus) Active() bool {
	switch s {
	case AppDraft, AppNeedsUserInfo, AppReadyToSubmit, AppSubmitting, AppWaitingApproval:
		return true
	}
	return false
}

// ValidApplicationStatus reports whether s names a known status. Used to
// validate API filters before they reach the store.
func ValidApplicationStatus(s string) bool {
	switch ApplicationStatus(s) {
	case AppDraft, AppNeedsUserInfo, AppReadyToSubmit, AppSubmitting, AppWaitingApproval,
		AppSubmitted, AppError, AppRejected, AppInterview, AppOffer, AppClosed:
		return true
	}
	return false
}

type Profile struct {
	ID        int64
	Headline  string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Company struct {
	ID      int64
	Name    string
	Website string
}

type Role struct {
	ID            int64
	CompanyID     int64
	CompanyName   string
	Title         string
	Description   string
	PostingURL    string
	UniqueHash    string
	Status        RoleStatus
	RankScore     *float64
	RankRationale string
	Location      string
	Requirements  string
	SalaryRange   string
	CreatedAt     time.Time
}

// Credential stores site login material. The password is authenticated
// ciphertext; cleartext exists only in dispatcher memory between decryption
// and task publication.
type Credential struct {
	ID                int64
	ProfileID         int64
	SiteHostname      string
	Username          string
	EncryptedPassword []byte
}

type Application struct {
	ID             int64
	RoleID         int64
	ProfileID      int64
	QueueTaskID    string
	Status         ApplicationStatus
	Attempts       int
	ResumeURL      string
	CoverLetterURL string
	CustomAnswers  map[string]string
	ApprovalCtx    *ApprovalContext
	ScreenshotURL  string
	ErrorMessage   string
	Notes          string
	SubmittedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalContext is the persisted snapshot of a paused form-filling run.
// It must be sufficient to resume without re-scraping.
type ApprovalContext struct {
	Question      string   `json:"question"`
	CurrentState  string   `json:"current_state,omitempty"`
	ScreenshotURL string   `json:"screenshot_url,omitempty"`
	PageTitle     string   `json:"page_title,omitempty"`
	PageURL       string   `json:"page_url,omitempty"`
	FormFields    []string `json:"form_fields,omitempty"`
	RequestedAt   string   `json:"requested_at,omitempty"`
}

// ApplicationSummary is the read model for GET /applications.
type ApplicationSummary struct {
	ID          int64             `json:"id"`
	RoleTitle   string            `json:"role_title"`
	CompanyName string            `json:"company_name"`
	Status      ApplicationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
}

// RoleDetails is the structured LLM extraction of a scraped posting.
type RoleDetails struct {
	Title       string   `json:"title"`
	CompanyName string   `json:"company_name"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Requirements string  `json:"requirements,omitempty"`
	SalaryRange string   `json:"salary_range,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// RankResult is the structured LLM fit score for a role against a profile.
type RankResult struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// DocumentDraft is the structured LLM resume/cover-letter output.
type DocumentDraft struct {
	ResumeMD         string   `json:"resume_md"`
	CoverLetterMD    string   `json:"cover_letter_md"`
	IdentifiedSkills []string `json:"identified_skills,omitempty"`
}

// NormalizeCompanyName dedupes companies by lowercased, trimmed name.
func NormalizeCompanyName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RoleUniqueHash derives the dedup key for a posting:
// SHA-256 of lower(trim(company)) || "-" || lower(trim(title)).
func RoleUniqueHash(companyName, title string) string {
	h := sha256.Sum256([]byte(NormalizeCompanyName(companyName) + "-" + strings.ToLower(strings.TrimSpace(title))))
	return hex.EncodeToString(h[:])
}

// Repositories (ports)

type ProfileRepository interface {
	Upsert(ctx Context, p Profile) (int64, error)
	Get(ctx Context, id int64) (Profile, error)
	// Default returns the single configured profile (lowest id).
	Default(ctx Context) (Profile, error)
	SetPreference(ctx Context, profileID int64, key, value string) error
	Preferences(ctx Context, profileID int64) (map[string]string, error)
	UpsertCredential(ctx Context, c Credential) error
	// CredentialForURL returns the credential whose site_hostname is a
	// suffix of the posting URL's host. Passwords are returned encrypted.
	CredentialForURL(ctx Context, profileID int64, postingURL string) (Credential, error)
}

type RoleRepository interface {
	UpsertCompany(ctx Context, name, website string) (int64, error)
	Create(ctx Context, r Role) (int64, error)
	Get(ctx Context, id int64) (Role, error)
	FindByUniqueHash(ctx Context, hash string) (Role, error)
	SetRank(ctx Context, id int64, score float64, rationale string) error
	UpdateStatus(ctx Context, id int64, status RoleStatus) error
}

// TransitionEffect mutates application fields inside the same row-locked
// transaction that applies the state transition.
type TransitionEffect func(a *Application)

type ApplicationRepository interface {
	Create(ctx Context, profileID, roleID int64) (Application, error)
	Get(ctx Context, id int64) (Application, error)
	// FindActive returns the single non-terminal application for the pair,
	// or ErrNotFound.
	FindActive(ctx Context, profileID, roleID int64) (Application, error)
	// ApplyTransition loads the row FOR UPDATE, runs the state machine for
	// event, applies effects, and persists. ErrIllegalTransition when the
	// event is not permitted from the current status.
	ApplyTransition(ctx Context, id int64, event Event, effects ...TransitionEffect) (Application, error)
	ListSummaries(ctx Context, status string) ([]ApplicationSummary, error)
	// ListStuckSubmitting returns applications in submitting older than the
	// cutoff, for the maintenance sweeper.
	ListStuckSubmitting(ctx Context, cutoff time.Time) ([]Application, error)
	// OldestWaitingApproval resolves a free-text SMS reply to the paused
	// application that has been waiting the longest.
	OldestWaitingApproval(ctx Context, profileID int64) (Application, error)
	CountByStatus(ctx Context, status ApplicationStatus) (int, error)
}

// AIClient is the opaque LLM port. Implementations must be deterministic in
// stub mode.
type AIClient interface {
	ExtractRole(ctx Context, markdown string) (RoleDetails, error)
	RankRole(ctx Context, role Role, profile Profile) (RankResult, error)
	DraftDocuments(ctx Context, role Role, profile Profile, instructions *AIInstructions) (DocumentDraft, error)
	// AnswerQuestion attempts a deterministic answer from profile data.
	// confident=false signals the caller to halt for approval.
	AnswerQuestion(ctx Context, question string, user UserData, prefs map[string]string) (answer string, confident bool, err error)
}

// SMSGateway sends outbound messages. Send failures are transient and
// retried by the notifier, never by handlers inline.
type SMSGateway interface {
	Send(ctx Context, to, body string) error
	Ping(ctx Context) error
}

// BlobStore uploads rendered artifacts and returns public URLs.
type BlobStore interface {
	Put(ctx Context, name string, data []byte, contentType string) (string, error)
	Ping(ctx Context) error
}

// Renderer turns markdown into a PDF. Rendering itself is an external
// collaborator; only the contract matters here.
type Renderer interface {
	RenderPDF(ctx Context, markdown string) ([]byte, error)
}

// Scraper fetches a posting URL and returns its main content as markdown.
type Scraper interface {
	Scrape(ctx Context, url string) (string, error)
}

// Context is an alias so adapters and usecases pass context.Context through
// without the domain importing net/http flavored helpers.
type Context = context.Context
