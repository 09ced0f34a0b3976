// Package postgres implements the store ports over PostgreSQL with pgx.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// PgxPool is the minimal pool surface the repos need, so tests can supply a
// fake without a live database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ProfileRepo persists the user profile, preferences, and site credentials.
type ProfileRepo struct{ Pool PgxPool }

// NewProfileRepo constructs a ProfileRepo with the given pool.
func NewProfileRepo(p PgxPool) *ProfileRepo { return &ProfileRepo{Pool: p} }

// Upsert creates or replaces the profile row and returns its id. The system
// is single-user; id 0 means insert, anything else updates in place.
func (r *ProfileRepo) Upsert(ctx domain.Context, p domain.Profile) (int64, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Upsert")
	defer span.End()
	now := time.Now().UTC()
	if p.ID == 0 {
		q := `INSERT INTO profiles (headline, summary, created_at, updated_at) VALUES ($1,$2,$3,$4) RETURNING id`
		var id int64
		if err := r.Pool.QueryRow(ctx, q, p.Headline, p.Summary, now, now).Scan(&id); err != nil {
			return 0, fmt.Errorf("op=profile.upsert: %w", err)
		}
		return id, nil
	}
	q := `UPDATE profiles SET headline=$2, summary=$3, updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, p.ID, p.Headline, p.Summary, now)
	if err != nil {
		return 0, fmt.Errorf("op=profile.upsert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("op=profile.upsert: %w", domain.ErrNotFound)
	}
	return p.ID, nil
}

// Get loads a profile by id.
func (r *ProfileRepo) Get(ctx domain.Context, id int64) (domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Get")
	defer span.End()
	q := `SELECT id, headline, summary, created_at, updated_at FROM profiles WHERE id=$1`
	var p domain.Profile
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Headline, &p.Summary, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Profile{}, fmt.Errorf("op=profile.get: %w", domain.ErrNotFound)
		}
		return domain.Profile{}, fmt.Errorf("op=profile.get: %w", err)
	}
	return p, nil
}

// Default returns the single configured profile, the lowest id.
func (r *ProfileRepo) Default(ctx domain.Context) (domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Default")
	defer span.End()
	q := `SELECT id, headline, summary, created_at, updated_at FROM profiles ORDER BY id LIMIT 1`
	var p domain.Profile
	if err := r.Pool.QueryRow(ctx, q).Scan(&p.ID, &p.Headline, &p.Summary, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Profile{}, fmt.Errorf("op=profile.default: %w", domain.ErrNotFound)
		}
		return domain.Profile{}, fmt.Errorf("op=profile.default: %w", err)
	}
	return p, nil
}

// SetPreference upserts a single key under the profile.
func (r *ProfileRepo) SetPreference(ctx domain.Context, profileID int64, key, value string) error {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.SetPreference")
	defer span.End()
	q := `INSERT INTO profile_preferences (profile_id, key, value) VALUES ($1,$2,$3)
	      ON CONFLICT (profile_id, key) DO UPDATE SET value=EXCLUDED.value`
	if _, err := r.Pool.Exec(ctx, q, profileID, key, value); err != nil {
		return fmt.Errorf("op=profile.set_preference: %w", err)
	}
	return nil
}

// Preferences loads every key/value pair for the profile.
func (r *ProfileRepo) Preferences(ctx domain.Context, profileID int64) (map[string]string, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Preferences")
	defer span.End()
	q := `SELECT key, value FROM profile_preferences WHERE profile_id=$1`
	rows, err := r.Pool.Query(ctx, q, profileID)
	if err != nil {
		return nil, fmt.Errorf("op=profile.preferences: %w", err)
	}
	defer rows.Close()
	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("op=profile.preferences: %w", err)
		}
		prefs[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=profile.preferences: %w", err)
	}
	return prefs, nil
}

// UpsertCredential stores site login material, one row per hostname. The
// password arrives already encrypted; this layer never sees cleartext.
func (r *ProfileRepo) UpsertCredential(ctx domain.Context, c domain.Credential) error {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.UpsertCredential")
	defer span.End()
	q := `INSERT INTO credentials (profile_id, site_hostname, username, encrypted_password)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (profile_id, site_hostname)
	      DO UPDATE SET username=EXCLUDED.username, encrypted_password=EXCLUDED.encrypted_password`
	host := strings.ToLower(strings.TrimSpace(c.SiteHostname))
	if host == "" {
		return fmt.Errorf("op=profile.upsert_credential: empty hostname: %w", domain.ErrInvalidArgument)
	}
	if _, err := r.Pool.Exec(ctx, q, c.ProfileID, host, c.Username, c.EncryptedPassword); err != nil {
		return fmt.Errorf("op=profile.upsert_credential: %w", err)
	}
	return nil
}

// CredentialForURL resolves the credential whose site_hostname is a suffix
// of the posting URL's host, longest match first so careers.example.com
// beats example.com.
func (r *ProfileRepo) CredentialForURL(ctx domain.Context, profileID int64, postingURL string) (domain.Credential, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.CredentialForURL")
	defer span.End()
	u, err := url.Parse(postingURL)
	if err != nil || u.Hostname() == "" {
		return domain.Credential{}, fmt.Errorf("op=profile.credential_for_url: bad url: %w", domain.ErrInvalidArgument)
	}
	host := strings.ToLower(u.Hostname())

	q := `SELECT id, profile_id, site_hostname, username, encrypted_password
	      FROM credentials WHERE profile_id=$1 ORDER BY length(site_hostname) DESC`
	rows, err := r.Pool.Query(ctx, q, profileID)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=profile.credential_for_url: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.SiteHostname, &c.Username, &c.EncryptedPassword); err != nil {
			return domain.Credential{}, fmt.Errorf("op=profile.credential_for_url: %w", err)
		}
		if host == c.SiteHostname || strings.HasSuffix(host, "."+c.SiteHostname) {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Credential{}, fmt.Errorf("op=profile.credential_for_url: %w", err)
	}
	return domain.Credential{}, fmt.Errorf("op=profile.credential_for_url: no credential for %s: %w", host, domain.ErrNotFound)
}
