package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

// OutcomeKind is the terminal result of one form-filling run.
type OutcomeKind string

const (
	OutcomeKindApplied       OutcomeKind = "applied"
	OutcomeKindFailed        OutcomeKind = "failed"
	OutcomeKindNeedsApproval OutcomeKind = "needs_approval"
)

// Outcome carries everything the runner needs to publish results.
type Outcome struct {
	Kind          OutcomeKind
	Confirmation  string
	ErrMessage    string
	Question      string
	StateBlob     string
	ScreenshotURL string
	PageTitle     string
	PageURL       string
	FormFields    []string
	Steps         int
}

// FormLoop executes the bounded agentic loop over one browser session.
type FormLoop struct {
	AI               domain.AIClient
	MaxSteps         int
	MaxFieldAttempts int
}

// NewFormLoop constructs a FormLoop.
func NewFormLoop(ai domain.AIClient, maxSteps, maxFieldAttempts int) *FormLoop {
	return &FormLoop{AI: ai, MaxSteps: maxSteps, MaxFieldAttempts: maxFieldAttempts}
}

// Run drives the session until a terminal outcome. A returned error marks a
// transient failure the runner may retry; terminal results always come back
// as an Outcome with nil error.
func (l *FormLoop) Run(ctx domain.Context, sess Session, task domain.JobApplicationPayload) (Outcome, error) {
	if task.ResumeFrom != "" {
		if err := sess.RestoreState(ctx, task.ResumeFrom); err != nil {
			return Outcome{}, fmt.Errorf("op=formloop.run: restore: %w", err)
		}
	} else if err := sess.Navigate(ctx, task.JobURL); err != nil {
		return Outcome{}, fmt.Errorf("op=formloop.run: navigate: %w", err)
	}

	unknownStreak := 0
	for step := 1; step <= l.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("op=formloop.run: %w", err)
		}
		analysis, err := sess.Analyze(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("op=formloop.run: analyze: %w", err)
		}
		slog.Debug("page analyzed",
			slog.String("kind", string(analysis.Kind)),
			slog.Int("step", step),
			slog.Int("fields", len(analysis.Fields)))

		if analysis.Kind != PageUnknown {
			unknownStreak = 0
		}

		switch analysis.Kind {
		case PageConfirmation:
			observability.FormLoopSteps.Observe(float64(step))
			return Outcome{Kind: OutcomeKindApplied, Confirmation: analysis.ConfirmationText, Steps: step}, nil

		case PageJobDescription:
			if err := l.withAttempts(ctx, func() error { return sess.ClickApply(ctx) }); err != nil {
				return Outcome{}, fmt.Errorf("op=formloop.run: click apply: %w", err)
			}

		case PageLogin:
			if task.Credentials == nil {
				return l.terminalFailure(ctx, sess, analysis, "login required but no credentials stored", step), nil
			}
			if err := l.withAttempts(ctx, func() error {
				return sess.Login(ctx, task.Credentials.Username, task.Credentials.Password)
			}); err != nil {
				return Outcome{}, fmt.Errorf("op=formloop.run: login: %w", err)
			}

		case PageApplicationForm, PageMultiStep:
			outcome, err := l.fillForm(ctx, sess, analysis, task, step)
			if err != nil {
				return Outcome{}, err
			}
			if outcome != nil {
				return *outcome, nil
			}
			if err := l.withAttempts(ctx, func() error { return sess.SubmitOrNext(ctx) }); err != nil {
				return Outcome{}, fmt.Errorf("op=formloop.run: submit: %w", err)
			}

		case PageUnknown:
			unknownStreak++
			if unknownStreak >= l.MaxFieldAttempts {
				return l.terminalFailure(ctx, sess, analysis, "page could not be classified", step), nil
			}
		}
	}
	observability.FormLoopSteps.Observe(float64(l.MaxSteps))
	return Outcome{
		Kind:       OutcomeKindFailed,
		ErrMessage: fmt.Sprintf("no confirmation after %d steps", l.MaxSteps),
		Steps:      l.MaxSteps,
	}, nil
}

// fillForm fills every enumerated field. A non-nil outcome means the run
// must halt for approval.
func (l *FormLoop) fillForm(ctx domain.Context, sess Session, analysis PageAnalysis, task domain.JobApplicationPayload, step int) (*Outcome, error) {
	for _, field := range analysis.Fields {
		if field.Kind == FieldFile {
			if url, ok := uploadFieldURL(field.Label, task.UserData); ok {
				if err := l.withAttempts(ctx, func() error { return sess.UploadFile(ctx, field.Label, url) }); err != nil {
					return nil, fmt.Errorf("op=formloop.fill: upload %q: %w", field.Label, err)
				}
			}
			continue
		}

		if value, ok := standardFieldValue(field.Label, task.UserData); ok {
			if err := l.withAttempts(ctx, func() error { return sess.FillField(ctx, field.Label, value) }); err != nil {
				return nil, fmt.Errorf("op=formloop.fill: %q: %w", field.Label, err)
			}
			continue
		}

		// Custom question: stored answer, then deterministic profile answer,
		// then halt for approval.
		if answer, ok := task.CustomAnswers[field.Label]; ok {
			if err := l.withAttempts(ctx, func() error { return sess.FillField(ctx, field.Label, answer) }); err != nil {
				return nil, fmt.Errorf("op=formloop.fill: %q: %w", field.Label, err)
			}
			continue
		}
		answer, confident, err := l.AI.AnswerQuestion(ctx, field.Label, task.UserData, nil)
		if err != nil {
			return nil, fmt.Errorf("op=formloop.fill: answer %q: %w", field.Label, err)
		}
		if confident {
			slog.Info("custom question answered from profile", slog.String("question", field.Label))
			if err := l.withAttempts(ctx, func() error { return sess.FillField(ctx, field.Label, answer) }); err != nil {
				return nil, fmt.Errorf("op=formloop.fill: %q: %w", field.Label, err)
			}
			continue
		}
		if !field.Required {
			slog.Debug("optional question skipped", slog.String("question", field.Label))
			continue
		}

		outcome := l.suspendForApproval(ctx, sess, analysis, field.Label, step)
		return &outcome, nil
	}
	return nil, nil
}

// suspendForApproval snapshots the page so the dispatcher can resume it
// after the user answers. The caller must close the session afterwards.
func (l *FormLoop) suspendForApproval(ctx domain.Context, sess Session, analysis PageAnalysis, question string, step int) Outcome {
	outcome := Outcome{
		Kind:      OutcomeKindNeedsApproval,
		Question:  question,
		PageTitle: analysis.Title,
		PageURL:   analysis.URL,
		Steps:     step,
	}
	for _, f := range analysis.Fields {
		outcome.FormFields = append(outcome.FormFields, f.Label)
	}
	if blob, err := sess.SerializeState(ctx); err == nil {
		outcome.StateBlob = blob
	} else {
		slog.Warn("state serialization failed", slog.Any("error", err))
	}
	outcome.ScreenshotURL = l.safeScreenshot(ctx, sess, analysis)
	return outcome
}

func (l *FormLoop) terminalFailure(ctx domain.Context, sess Session, analysis PageAnalysis, msg string, step int) Outcome {
	return Outcome{
		Kind:          OutcomeKindFailed,
		ErrMessage:    msg,
		ScreenshotURL: l.safeScreenshot(ctx, sess, analysis),
		Steps:         step,
	}
}

// safeScreenshot captures the page unless a password field is visible;
// those pages are never imaged.
func (l *FormLoop) safeScreenshot(ctx domain.Context, sess Session, analysis PageAnalysis) string {
	if analysis.HasPasswordField {
		return ""
	}
	url, err := sess.Screenshot(ctx)
	if err != nil {
		slog.Warn("screenshot failed", slog.Any("error", err))
		return ""
	}
	return url
}

// withAttempts retries one page action up to the sub-attempt budget,
// passing browser errors through once the budget is spent.
func (l *FormLoop) withAttempts(ctx domain.Context, action func() error) error {
	var err error
	for attempt := 0; attempt < l.MaxFieldAttempts; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		if !errors.Is(err, ErrBrowser) {
			return err
		}
	}
	return err
}
