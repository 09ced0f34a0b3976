package domain

import "fmt"

// Event drives the application state machine. Events originate from the
// dispatcher (documents, publish, user actions) or from worker results
// consumed off the queues; workers never write state directly.
type Event string

const (
	// EventDocumentsReady fires when resume and cover-letter URLs are set.
	EventDocumentsReady Event = "documents_ready"
	// EventPublished fires atomically with queue_task_id assignment.
	EventPublished Event = "published"
	EventApplied   Event = "applied"
	EventWaiting   Event = "waiting_approval"
	EventNeedsInfo Event = "needs_user_info"
	EventFailed    Event = "failed"
	// Post-terminal, user-driven.
	EventInterview Event = "interview"
	EventOffer     Event = "offer"
	EventRejected  Event = "rejected"
	EventClosed    Event = "closed"
)

// transitions is the full legal (state, event) -> state table. Anything not
// listed is illegal.
var transitions = map[ApplicationStatus]map[Event]ApplicationStatus{
	AppDraft: {
		EventDocumentsReady: AppReadyToSubmit,
	},
	AppReadyToSubmit: {
		EventPublished: AppSubmitting,
	},
	AppSubmitting: {
		EventApplied:   AppSubmitted,
		EventWaiting:   AppWaitingApproval,
		EventNeedsInfo: AppNeedsUserInfo,
		EventFailed:    AppError,
	},
	// Approval re-entry: the dispatcher republishes with the user's answer
	// merged into custom_answers; a fresh task id overwrites the old one.
	AppWaitingApproval: {
		EventPublished: AppSubmitting,
		// Self-loop: update_job_status(waiting_approval) and the matching
		// approval_request arrive as separate messages in either order; the
		// second one only refreshes the approval context.
		EventWaiting: AppWaitingApproval,
	},
	// A user-supplied answer or a maintenance retry republishes from these.
	AppNeedsUserInfo: {
		EventPublished: AppSubmitting,
	},
	AppError: {
		EventPublished: AppSubmitting,
	},
	AppSubmitted: {
		EventInterview: AppInterview,
		EventRejected:  AppRejected,
	},
	AppInterview: {
		EventOffer:    AppOffer,
		EventRejected: AppRejected,
	},
	AppOffer: {
		EventClosed: AppClosed,
	},
	AppRejected: {
		EventClosed: AppClosed,
	},
}

// Transition returns the successor state for event, or ErrIllegalTransition.
// All transitions are centralized here; handlers must not mutate status
// directly.
func Transition(from ApplicationStatus, event Event) (ApplicationStatus, error) {
	if next, ok := transitions[from][event]; ok {
		return next, nil
	}
	return from, fmt.Errorf("op=state.transition: %s + %s: %w", from, event, ErrIllegalTransition)
}

// roleAdvance orders role statuses for monotonic advancement checks.
var roleAdvance = map[RoleStatus]int{
	RoleSourced:  0,
	RoleRanked:   1,
	RoleApplying: 2,
	RoleApplied:  3,
	RoleIgnored:  3,
}

// RoleStatusAllowed reports whether a role may move from -> to. Status
// advances monotonically with two permitted regressions: ranked -> sourced
// on re-scrape and applying -> ranked on terminal failure.
func RoleStatusAllowed(from, to RoleStatus) bool {
	if from == to {
		return true
	}
	if from == RoleRanked && to == RoleSourced {
		return true
	}
	if from == RoleApplying && to == RoleRanked {
		return true
	}
	return roleAdvance[to] > roleAdvance[from]
}
