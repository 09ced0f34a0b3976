// Package worker implements the automation side: a long-running consumer of
// job_application tasks that drives a browser session through a bounded
// form-filling loop and reports exactly one terminal outcome per task back
// through the queues. It never touches the domain store.
package worker

import (
	"errors"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// PageKind classifies what the browser is currently looking at.
type PageKind string

const (
	PageJobDescription  PageKind = "job_description"
	PageApplicationForm PageKind = "application_form"
	PageLogin           PageKind = "login"
	PageMultiStep       PageKind = "multi_step"
	PageConfirmation    PageKind = "confirmation"
	PageUnknown         PageKind = "unknown"
)

// FieldKind distinguishes how a form field is filled.
type FieldKind string

const (
	FieldText   FieldKind = "text"
	FieldFile   FieldKind = "file"
	FieldSelect FieldKind = "select"
)

// FormField is one enumerated input on an application form.
type FormField struct {
	Label    string
	Kind     FieldKind
	Required bool
}

// PageAnalysis is the structured result of analyzing the current page.
type PageAnalysis struct {
	Kind             PageKind
	Title            string
	URL              string
	Fields           []FormField
	ConfirmationText string
	// HasPasswordField suppresses screenshots for the current page.
	HasPasswordField bool
}

// ErrBrowser marks recoverable browser-level failures (navigation timeout,
// detached frame). The runner treats them as transient and retries the
// whole task.
var ErrBrowser = errors.New("browser error")

// Session is one live browser page. Implementations wrap the automation
// sidecar; the loop only depends on this contract.
type Session interface {
	Navigate(ctx domain.Context, url string) error
	Analyze(ctx domain.Context) (PageAnalysis, error)
	// ClickApply activates an apply affordance on a job description page.
	ClickApply(ctx domain.Context) error
	Login(ctx domain.Context, username, password string) error
	FillField(ctx domain.Context, label, value string) error
	UploadFile(ctx domain.Context, label, fileURL string) error
	// SubmitOrNext advances the form (submit button or next step).
	SubmitOrNext(ctx domain.Context) error
	// Screenshot uploads a capture and returns its URL.
	Screenshot(ctx domain.Context) (string, error)
	// SerializeState returns an opaque blob sufficient to resume this page
	// in a fresh session.
	SerializeState(ctx domain.Context) (string, error)
	RestoreState(ctx domain.Context, blob string) error
	Close(ctx domain.Context) error
}

// SessionFactory opens fresh sessions, one per task.
type SessionFactory interface {
	New(ctx domain.Context) (Session, error)
}
