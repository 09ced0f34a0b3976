package domain

import (
	"encoding/json"
	"time"
)

// TaskType enumerates the broker queue names. Publishing any other type is
// rejected by the broker.
type TaskType string

const (
	TaskJobApplication   TaskType = "job_application"
	TaskUpdateJobStatus  TaskType = "update_job_status"
	TaskApprovalRequest  TaskType = "approval_request"
	TaskSendNotification TaskType = "send_notification"
)

// TaskTypes lists every known queue, in a stable order.
func TaskTypes() []TaskType {
	return []TaskType{TaskJobApplication, TaskUpdateJobStatus, TaskApprovalRequest, TaskSendNotification}
}

// ValidTaskType reports whether t is one of the enumerated queues.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskJobApplication, TaskUpdateJobStatus, TaskApprovalRequest, TaskSendNotification:
		return true
	}
	return false
}

// QueueTask is the broker envelope. The wire format is shared with any
// consumer of the queues, so field names are fixed.
type QueueTask struct {
	ID        string          `json:"id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Retries   int             `json:"retries"`
	CreatedAt string          `json:"created_at"`
	Priority  int             `json:"priority"`
}

// UserData carries everything the worker needs to fill standard form fields.
type UserData struct {
	Name           string   `json:"name"`
	FirstName      string   `json:"first_name,omitempty"`
	LastName       string   `json:"last_name,omitempty"`
	Email          string   `json:"email"`
	Phone          string   `json:"phone"`
	ResumeURL      string   `json:"resume_url,omitempty"`
	CoverLetterURL string   `json:"cover_letter_url,omitempty"`
	LinkedinURL    string   `json:"linkedin_url,omitempty"`
	GithubURL      string   `json:"github_url,omitempty"`
	PortfolioURL   string   `json:"portfolio_url,omitempty"`
	Website        string   `json:"website,omitempty"`
	Address        string   `json:"address,omitempty"`
	City           string   `json:"city,omitempty"`
	State          string   `json:"state,omitempty"`
	ZipCode        string   `json:"zip_code,omitempty"`
	Country        string   `json:"country,omitempty"`
	CurrentRole    string   `json:"current_role,omitempty"`
	ExperienceYears string  `json:"experience_years,omitempty"`
	Education      string   `json:"education,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	WorkArrangement string  `json:"preferred_work_arrangement,omitempty"`
	Availability   string   `json:"availability,omitempty"`
	SalaryExpectation string `json:"salary_expectation,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Headline       string   `json:"headline,omitempty"`
}

// TaskCredentials is the cleartext login material inside a single
// job_application payload. It never crosses any other queue.
type TaskCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AIInstructions struct {
	Tone        string   `json:"tone,omitempty"`
	FocusAreas  []string `json:"focus_areas,omitempty"`
	AvoidTopics []string `json:"avoid_topics,omitempty"`
}

type JobApplicationPayload struct {
	JobID         int64             `json:"job_id"`
	JobURL        string            `json:"job_url"`
	Company       string            `json:"company"`
	Title         string            `json:"title"`
	ApplicationID int64             `json:"application_id"`
	UserData      UserData          `json:"user_data"`
	Credentials   *TaskCredentials  `json:"credentials,omitempty"`
	CustomAnswers map[string]string `json:"custom_answers,omitempty"`
	AIInstructions *AIInstructions  `json:"ai_instructions,omitempty"`
	// ResumeFrom carries the serialized page state from an approval pause so
	// the worker resumes without re-scraping.
	ResumeFrom string `json:"resume_from,omitempty"`
}

// Worker outcome statuses carried in update_job_status.
const (
	OutcomeApplied         = "applied"
	OutcomeFailed          = "failed"
	OutcomeWaitingApproval = "waiting_approval"
	OutcomeNeedsUserInfo   = "needs_user_info"
)

type UpdateJobStatusPayload struct {
	JobID         int64  `json:"job_id"`
	ApplicationID int64  `json:"application_id"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
	SubmittedAt   string `json:"submitted_at,omitempty"`
}

type ApprovalRequestContext struct {
	PageTitle  string   `json:"page_title,omitempty"`
	PageURL    string   `json:"page_url,omitempty"`
	FormFields []string `json:"form_fields,omitempty"`
}

type ApprovalRequestPayload struct {
	JobID         int64                   `json:"job_id"`
	ApplicationID int64                   `json:"application_id"`
	Question      string                  `json:"question"`
	CurrentState  string                  `json:"current_state,omitempty"`
	ScreenshotURL string                  `json:"screenshot_url,omitempty"`
	Context       *ApprovalRequestContext `json:"context,omitempty"`
}

type SendNotificationPayload struct {
	To            string `json:"to"`
	Message       string `json:"message"`
	ApplicationID int64  `json:"application_id,omitempty"`
}

// HeartbeatPayload is written under heartbeat:<service> with a 120s TTL so
// liveness is queryable without subscribing.
type HeartbeatPayload struct {
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
	InFlightTaskID string `json:"in_flight_task_id,omitempty"`
}

// Broker is the queue port: named FIFO queues over a durable KV store.
type Broker interface {
	// Publish appends to the queue tail and returns an opaque task id.
	// Unknown types are rejected. priority > 0 jumps the queue head.
	Publish(ctx Context, t TaskType, payload any, priority int) (string, error)
	// Consume blocks up to timeout (0 = non-blocking) and pops one task, or
	// returns nil when the queue stayed empty.
	Consume(ctx Context, t TaskType, timeout time.Duration) (*QueueTask, error)
	// Republish re-enqueues an already-consumed envelope, preserving its id
	// and retry count. Used by the worker retry path.
	Republish(ctx Context, task *QueueTask) error
	// PublishResult stores a result record keyed by task id, 60 minute TTL.
	PublishResult(ctx Context, taskID string, payload any) error
	Result(ctx Context, taskID string) (json.RawMessage, error)
	// PublishChannel is fire-and-forget pub/sub.
	PublishChannel(ctx Context, channel string, payload any) error
	Heartbeat(ctx Context, service string, hb HeartbeatPayload) error
	LastHeartbeat(ctx Context, service string) (HeartbeatPayload, error)
	QueueStats(ctx Context) (map[string]int64, error)
	Ping(ctx Context) error
}
