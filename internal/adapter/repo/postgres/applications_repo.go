package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// ApplicationRepo persists applications and is the only writer of their
// status column. Every status change goes through ApplyTransition so the
// state machine cannot be bypassed.
type ApplicationRepo struct{ Pool PgxPool }

// NewApplicationRepo constructs an ApplicationRepo with the given pool.
func NewApplicationRepo(p PgxPool) *ApplicationRepo { return &ApplicationRepo{Pool: p} }

// activeStatuses matches domain.ApplicationStatus.Active.
const activeStatuses = `('draft','needs_user_info','ready_to_submit','submitting','waiting_approval')`

const appColumns = `id, role_id, profile_id, COALESCE(queue_task_id,''), status, attempts,
	COALESCE(resume_url,''), COALESCE(cover_letter_url,''), custom_answers, approval_ctx,
	COALESCE(screenshot_url,''), COALESCE(error_message,''), COALESCE(notes,''),
	submitted_at, created_at, updated_at`

func scanApplication(row pgx.Row) (domain.Application, error) {
	var a domain.Application
	var answers, approval []byte
	err := row.Scan(&a.ID, &a.RoleID, &a.ProfileID, &a.QueueTaskID, &a.Status, &a.Attempts,
		&a.ResumeURL, &a.CoverLetterURL, &answers, &approval,
		&a.ScreenshotURL, &a.ErrorMessage, &a.Notes, &a.SubmittedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Application{}, err
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.CustomAnswers); err != nil {
			return domain.Application{}, err
		}
	}
	if len(approval) > 0 {
		if err := json.Unmarshal(approval, &a.ApprovalCtx); err != nil {
			return domain.Application{}, err
		}
	}
	return a, nil
}

// Create inserts a draft application. The partial unique index on active
// rows enforces at most one live application per (profile, role); a
// violation maps to ErrConflict.
func (r *ApplicationRepo) Create(ctx domain.Context, profileID, roleID int64) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.Create")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO applications (role_id, profile_id, status, attempts, created_at, updated_at)
	      VALUES ($1,$2,$3,0,$4,$4) RETURNING ` + appColumns
	a, err := scanApplication(r.Pool.QueryRow(ctx, q, roleID, profileID, domain.AppDraft, now))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Application{}, fmt.Errorf("op=application.create: active application exists: %w", domain.ErrConflict)
		}
		return domain.Application{}, fmt.Errorf("op=application.create: %w", err)
	}
	return a, nil
}

// Get loads an application by id.
func (r *ApplicationRepo) Get(ctx domain.Context, id int64) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.Get")
	defer span.End()
	q := `SELECT ` + appColumns + ` FROM applications WHERE id=$1`
	a, err := scanApplication(r.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Application{}, fmt.Errorf("op=application.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.get: %w", err)
	}
	return a, nil
}

// FindActive returns the single non-terminal application for the pair.
func (r *ApplicationRepo) FindActive(ctx domain.Context, profileID, roleID int64) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.FindActive")
	defer span.End()
	q := `SELECT ` + appColumns + ` FROM applications
	      WHERE profile_id=$1 AND role_id=$2 AND status IN ` + activeStatuses + ` LIMIT 1`
	a, err := scanApplication(r.Pool.QueryRow(ctx, q, profileID, roleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Application{}, fmt.Errorf("op=application.find_active: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.find_active: %w", err)
	}
	return a, nil
}

// ApplyTransition loads the row FOR UPDATE, runs the state machine for the
// event, applies effects to the locked row, and persists everything in one
// transaction. Concurrent writers serialize on the row lock, so double
// deliveries observe the already-advanced status and fail the transition.
func (r *ApplicationRepo) ApplyTransition(ctx domain.Context, id int64, event domain.Event, effects ...domain.TransitionEffect) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.ApplyTransition")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + appColumns + ` FROM applications WHERE id=$1 FOR UPDATE`
	a, err := scanApplication(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}

	next, err := domain.Transition(a.Status, event)
	if err != nil {
		return a, err
	}
	a.Status = next
	for _, effect := range effects {
		effect(&a)
	}
	a.UpdatedAt = time.Now().UTC()

	answers, err := marshalOrNil(a.CustomAnswers)
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}
	approval, err := marshalOrNil(a.ApprovalCtx)
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}

	upd := `UPDATE applications SET status=$2, attempts=$3, queue_task_id=$4, resume_url=$5,
	        cover_letter_url=$6, custom_answers=$7, approval_ctx=$8, screenshot_url=$9,
	        error_message=$10, notes=$11, submitted_at=$12, updated_at=$13 WHERE id=$1`
	if _, err := tx.Exec(ctx, upd, a.ID, a.Status, a.Attempts, a.QueueTaskID, a.ResumeURL,
		a.CoverLetterURL, answers, approval, a.ScreenshotURL,
		a.ErrorMessage, a.Notes, a.SubmittedAt, a.UpdatedAt); err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Application{}, fmt.Errorf("op=application.transition: %w", err)
	}
	return a, nil
}

// ListSummaries returns the read model for listing, newest first. An empty
// status returns everything.
func (r *ApplicationRepo) ListSummaries(ctx domain.Context, status string) ([]domain.ApplicationSummary, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.ListSummaries")
	defer span.End()
	q := `SELECT a.id, r.title, c.name, a.status, a.created_at, a.submitted_at
	      FROM applications a
	      JOIN roles r ON r.id = a.role_id
	      JOIN companies c ON c.id = r.company_id
	      WHERE ($1 = '' OR a.status = $1)
	      ORDER BY a.created_at DESC`
	rows, err := r.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("op=application.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ApplicationSummary, 0)
	for rows.Next() {
		var s domain.ApplicationSummary
		if err := rows.Scan(&s.ID, &s.RoleTitle, &s.CompanyName, &s.Status, &s.CreatedAt, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("op=application.list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=application.list: %w", err)
	}
	return out, nil
}

// ListStuckSubmitting returns applications that entered submitting before
// the cutoff, for the maintenance sweeper.
func (r *ApplicationRepo) ListStuckSubmitting(ctx domain.Context, cutoff time.Time) ([]domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.ListStuckSubmitting")
	defer span.End()
	q := `SELECT ` + appColumns + ` FROM applications WHERE status=$1 AND updated_at < $2`
	rows, err := r.Pool.Query(ctx, q, domain.AppSubmitting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=application.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("op=application.list_stuck: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=application.list_stuck: %w", err)
	}
	return out, nil
}

// OldestWaitingApproval resolves a free-text SMS reply to the paused
// application that has been waiting the longest.
func (r *ApplicationRepo) OldestWaitingApproval(ctx domain.Context, profileID int64) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.OldestWaitingApproval")
	defer span.End()
	q := `SELECT ` + appColumns + ` FROM applications
	      WHERE profile_id=$1 AND status=$2 ORDER BY updated_at ASC LIMIT 1`
	a, err := scanApplication(r.Pool.QueryRow(ctx, q, profileID, domain.AppWaitingApproval))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Application{}, fmt.Errorf("op=application.oldest_waiting: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Application{}, fmt.Errorf("op=application.oldest_waiting: %w", err)
	}
	return a, nil
}

// CountByStatus returns the number of applications in the given status.
func (r *ApplicationRepo) CountByStatus(ctx domain.Context, status domain.ApplicationStatus) (int, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.CountByStatus")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM applications WHERE status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=application.count: %w", err)
	}
	return n, nil
}

func marshalOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case *domain.ApprovalContext:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// isUniqueViolation detects pg error 23505 without importing pgconn errors
// everywhere.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
