package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

const helpText = "Commands:\n" +
	"• Send a job posting URL to ingest it\n" +
	"• help — this message\n" +
	"• status — pipeline summary\n" +
	"• report — recent applications\n" +
	"• stop — pause auto-apply\n" +
	"• start — resume auto-apply\n" +
	"• Any other text answers the oldest pending question"

// HITLController routes inbound SMS bodies: URLs to ingestion, commands to
// their handlers, and free text to the oldest paused application.
type HITLController struct {
	Profiles domain.ProfileRepository
	Apps     domain.ApplicationRepository
	Broker   domain.Broker
	Ingest   *IngestService
	Apply    *ApplyService

	// IngestTimeout bounds the background scrape+rank run per URL.
	IngestTimeout time.Duration
}

// NewHITLController constructs a HITLController.
func NewHITLController(profiles domain.ProfileRepository, apps domain.ApplicationRepository, broker domain.Broker, ingest *IngestService, apply *ApplyService) *HITLController {
	return &HITLController{
		Profiles: profiles, Apps: apps, Broker: broker,
		Ingest: ingest, Apply: apply,
		IngestTimeout: 5 * time.Minute,
	}
}

// HandleInbound processes one SMS body and returns the reply text. Intents
// match in order: URL, command, free-text approval answer.
func (h *HITLController) HandleInbound(ctx domain.Context, from, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return helpText
	}

	if postingURL, ok := asURL(body); ok {
		// Scraping and ranking take tens of seconds; confirm immediately and
		// run ingestion out of band. Results arrive as notifications.
		go h.ingestAsync(postingURL)
		return fmt.Sprintf("📥 Got it! Processing %s", postingURL)
	}

	switch strings.ToLower(body) {
	case "help":
		return helpText
	case "status":
		return h.statusSummary(ctx)
	case "report":
		return h.report(ctx)
	case "stop":
		return h.setAutoApply(ctx, "off", "⏸️ Auto-apply paused. Send \"start\" to resume.")
	case "start":
		return h.setAutoApply(ctx, "on", "▶️ Auto-apply resumed.")
	}

	return h.answerPending(ctx, body)
}

func (h *HITLController) ingestAsync(postingURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.IngestTimeout)
	defer cancel()
	res, err := h.Ingest.IngestURL(ctx, postingURL)
	if err != nil {
		slog.Error("sms ingestion failed", slog.String("url", postingURL), slog.Any("error", err))
		return
	}
	slog.Info("sms ingestion complete",
		slog.Int64("role_id", res.RoleID),
		slog.Bool("duplicate", res.Duplicate),
		slog.Bool("triggered", res.Triggered))
}

// answerPending merges a free-text reply into the oldest paused application
// and republishes it. No open approval stores the inbound and replies with
// help.
func (h *HITLController) answerPending(ctx domain.Context, answer string) string {
	profile, err := h.Profiles.Default(ctx)
	if err != nil {
		return helpText
	}
	app, err := h.Apps.OldestWaitingApproval(ctx, profile.ID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Info("unmatched inbound sms", slog.String("body", answer))
		return "No application is waiting for input right now.\n\n" + helpText
	}
	if err != nil {
		slog.Error("approval lookup failed", slog.Any("error", err))
		return "Something went wrong, please try again."
	}

	question := ""
	if app.ApprovalCtx != nil {
		question = app.ApprovalCtx.Question
	}
	if _, err := h.Apply.ResumeWithAnswer(ctx, app.ID, answer); err != nil {
		slog.Error("approval resume failed", slog.Int64("application_id", app.ID), slog.Any("error", err))
		return "Could not resume the application, please try again."
	}
	return fmt.Sprintf("👍 Thanks! Resuming with your answer to: %s", question)
}

func (h *HITLController) statusSummary(ctx domain.Context) string {
	var b strings.Builder
	b.WriteString("📊 Pipeline status\n")
	for _, st := range []domain.ApplicationStatus{
		domain.AppSubmitting, domain.AppWaitingApproval, domain.AppNeedsUserInfo,
		domain.AppSubmitted, domain.AppError,
	} {
		n, err := h.Apps.CountByStatus(ctx, st)
		if err != nil {
			continue
		}
		if n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", st, n)
		}
	}
	if stats, err := h.Broker.QueueStats(ctx); err == nil {
		pending := int64(0)
		for _, n := range stats {
			pending += n
		}
		fmt.Fprintf(&b, "queued tasks: %d", pending)
	}
	return strings.TrimSpace(b.String())
}

func (h *HITLController) report(ctx domain.Context) string {
	summaries, err := h.Apps.ListSummaries(ctx, "")
	if err != nil || len(summaries) == 0 {
		return "No applications yet."
	}
	const maxLines = 10
	var b strings.Builder
	b.WriteString("📋 Recent applications\n")
	for i, s := range summaries {
		if i >= maxLines {
			fmt.Fprintf(&b, "…and %d more", len(summaries)-maxLines)
			break
		}
		fmt.Fprintf(&b, "#%d %s at %s — %s\n", s.ID, s.RoleTitle, s.CompanyName, s.Status)
	}
	return strings.TrimSpace(b.String())
}

func (h *HITLController) setAutoApply(ctx domain.Context, value, reply string) string {
	profile, err := h.Profiles.Default(ctx)
	if err != nil {
		return "No profile configured yet."
	}
	if err := h.Profiles.SetPreference(ctx, profile.ID, prefAutoApply, value); err != nil {
		slog.Error("auto-apply toggle failed", slog.Any("error", err))
		return "Something went wrong, please try again."
	}
	return reply
}

// asURL accepts only well-formed absolute http(s) URLs.
func asURL(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
