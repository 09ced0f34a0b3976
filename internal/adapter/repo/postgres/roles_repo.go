package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// RoleRepo persists companies and sourced roles.
type RoleRepo struct{ Pool PgxPool }

// NewRoleRepo constructs a RoleRepo with the given pool.
func NewRoleRepo(p PgxPool) *RoleRepo { return &RoleRepo{Pool: p} }

// UpsertCompany dedupes companies on the normalized name and returns the id.
func (r *RoleRepo) UpsertCompany(ctx domain.Context, name, website string) (int64, error) {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.UpsertCompany")
	defer span.End()
	norm := domain.NormalizeCompanyName(name)
	if norm == "" {
		return 0, fmt.Errorf("op=role.upsert_company: empty name: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO companies (name, normalized_name, website) VALUES ($1,$2,$3)
	      ON CONFLICT (normalized_name)
	      DO UPDATE SET website=CASE WHEN EXCLUDED.website <> '' THEN EXCLUDED.website ELSE companies.website END
	      RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, name, norm, website).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=role.upsert_company: %w", err)
	}
	return id, nil
}

// Create inserts a sourced role. A unique_hash collision maps to
// ErrConflict so callers can fall back to the existing row.
func (r *RoleRepo) Create(ctx domain.Context, role domain.Role) (int64, error) {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.Create")
	defer span.End()
	if role.UniqueHash == "" {
		role.UniqueHash = domain.RoleUniqueHash(role.CompanyName, role.Title)
	}
	if role.Status == "" {
		role.Status = domain.RoleSourced
	}
	q := `INSERT INTO roles (company_id, title, description, posting_url, unique_hash, status, location, requirements, salary_range, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (unique_hash) DO NOTHING
	      RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, role.CompanyID, role.Title, role.Description, role.PostingURL,
		role.UniqueHash, role.Status, role.Location, role.Requirements, role.SalaryRange, time.Now().UTC()).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("op=role.create: duplicate posting: %w", domain.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("op=role.create: %w", err)
	}
	return id, nil
}

const roleColumns = `r.id, r.company_id, c.name, r.title, r.description, r.posting_url, r.unique_hash,
	r.status, r.rank_score, COALESCE(r.rank_rationale,''), COALESCE(r.location,''),
	COALESCE(r.requirements,''), COALESCE(r.salary_range,''), r.created_at`

func scanRole(row pgx.Row) (domain.Role, error) {
	var role domain.Role
	err := row.Scan(&role.ID, &role.CompanyID, &role.CompanyName, &role.Title, &role.Description,
		&role.PostingURL, &role.UniqueHash, &role.Status, &role.RankScore, &role.RankRationale,
		&role.Location, &role.Requirements, &role.SalaryRange, &role.CreatedAt)
	return role, err
}

// Get loads a role joined with its company name.
func (r *RoleRepo) Get(ctx domain.Context, id int64) (domain.Role, error) {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.Get")
	defer span.End()
	q := `SELECT ` + roleColumns + ` FROM roles r JOIN companies c ON c.id = r.company_id WHERE r.id=$1`
	role, err := scanRole(r.Pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return domain.Role{}, fmt.Errorf("op=role.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Role{}, fmt.Errorf("op=role.get: %w", err)
	}
	return role, nil
}

// FindByUniqueHash loads a role by its dedup key.
func (r *RoleRepo) FindByUniqueHash(ctx domain.Context, hash string) (domain.Role, error) {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.FindByUniqueHash")
	defer span.End()
	q := `SELECT ` + roleColumns + ` FROM roles r JOIN companies c ON c.id = r.company_id WHERE r.unique_hash=$1`
	role, err := scanRole(r.Pool.QueryRow(ctx, q, hash))
	if err == pgx.ErrNoRows {
		return domain.Role{}, fmt.Errorf("op=role.find_hash: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Role{}, fmt.Errorf("op=role.find_hash: %w", err)
	}
	return role, nil
}

// SetRank records the fit score and moves the role to ranked.
func (r *RoleRepo) SetRank(ctx domain.Context, id int64, score float64, rationale string) error {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.SetRank")
	defer span.End()
	q := `UPDATE roles SET rank_score=$2, rank_rationale=$3, status=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, score, rationale, domain.RoleRanked)
	if err != nil {
		return fmt.Errorf("op=role.set_rank: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=role.set_rank: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus advances the role lifecycle. Regressions other than the
// allowed resets are rejected.
func (r *RoleRepo) UpdateStatus(ctx domain.Context, id int64, status domain.RoleStatus) error {
	tracer := otel.Tracer("repo.roles")
	ctx, span := tracer.Start(ctx, "roles.UpdateStatus")
	defer span.End()
	var current domain.RoleStatus
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM roles WHERE id=$1`, id).Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=role.update_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=role.update_status: %w", err)
	}
	if !domain.RoleStatusAllowed(current, status) {
		return fmt.Errorf("op=role.update_status: %s -> %s: %w", current, status, domain.ErrIllegalTransition)
	}
	if _, err := r.Pool.Exec(ctx, `UPDATE roles SET status=$2 WHERE id=$1`, id, status); err != nil {
		return fmt.Errorf("op=role.update_status: %w", err)
	}
	return nil
}
