package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// IngestService turns a posting URL into a ranked role: scrape, extract,
// dedup, persist, score, and optionally auto-trigger an application.
type IngestService struct {
	Scraper  domain.Scraper
	AI       domain.AIClient
	Roles    domain.RoleRepository
	Profiles domain.ProfileRepository
	Apply    *ApplyService
}

// NewIngestService constructs an IngestService.
func NewIngestService(scraper domain.Scraper, ai domain.AIClient, roles domain.RoleRepository, profiles domain.ProfileRepository, apply *ApplyService) *IngestService {
	return &IngestService{Scraper: scraper, AI: ai, Roles: roles, Profiles: profiles, Apply: apply}
}

// IngestResult summarizes what ingestion did with a URL.
type IngestResult struct {
	RoleID    int64
	Title     string
	Company   string
	Score     float64
	Duplicate bool
	Triggered bool
}

// IngestURL processes one posting URL end to end. Duplicate postings (same
// normalized company+title) return the existing role without re-scraping
// downstream steps.
func (s *IngestService) IngestURL(ctx domain.Context, url string) (IngestResult, error) {
	markdown, err := s.Scraper.Scrape(ctx, url)
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}
	details, err := s.AI.ExtractRole(ctx, markdown)
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}

	hash := domain.RoleUniqueHash(details.CompanyName, details.Title)
	if existing, err := s.Roles.FindByUniqueHash(ctx, hash); err == nil {
		slog.Info("duplicate posting ignored", slog.Int64("role_id", existing.ID), slog.String("url", url))
		return IngestResult{RoleID: existing.ID, Title: existing.Title, Company: existing.CompanyName, Duplicate: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}

	companyID, err := s.Roles.UpsertCompany(ctx, details.CompanyName, "")
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}
	roleID, err := s.Roles.Create(ctx, domain.Role{
		CompanyID:    companyID,
		CompanyName:  details.CompanyName,
		Title:        details.Title,
		Description:  details.Description,
		PostingURL:   url,
		UniqueHash:   hash,
		Location:     details.Location,
		Requirements: details.Requirements,
		SalaryRange:  details.SalaryRange,
	})
	if errors.Is(err, domain.ErrConflict) {
		// Raced another ingest of the same posting.
		existing, ferr := s.Roles.FindByUniqueHash(ctx, hash)
		if ferr != nil {
			return IngestResult{}, fmt.Errorf("op=ingest.url: %w", ferr)
		}
		return IngestResult{RoleID: existing.ID, Title: existing.Title, Company: existing.CompanyName, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}

	result := IngestResult{RoleID: roleID, Title: details.Title, Company: details.CompanyName}

	profile, err := s.Profiles.Default(ctx)
	if err != nil {
		// No profile yet: the role stays sourced until one exists.
		slog.Warn("ranking skipped, no profile", slog.Int64("role_id", roleID))
		return result, nil
	}
	role, err := s.Roles.Get(ctx, roleID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}
	rank, err := s.AI.RankRole(ctx, role, profile)
	if err != nil {
		slog.Warn("ranking failed", slog.Int64("role_id", roleID), slog.Any("error", err))
		return result, nil
	}
	if err := s.Roles.SetRank(ctx, roleID, rank.Score, rank.Rationale); err != nil {
		return IngestResult{}, fmt.Errorf("op=ingest.url: %w", err)
	}
	result.Score = rank.Score
	slog.Info("role ingested",
		slog.Int64("role_id", roleID),
		slog.String("title", details.Title),
		slog.String("company", details.CompanyName),
		slog.Float64("score", rank.Score))

	if s.autoApplyEnabled(ctx, profile.ID) {
		if _, err := s.Apply.Trigger(ctx, roleID); err != nil {
			slog.Error("auto-apply trigger failed", slog.Int64("role_id", roleID), slog.Any("error", err))
		} else {
			result.Triggered = true
		}
	}
	return result, nil
}

func (s *IngestService) autoApplyEnabled(ctx domain.Context, profileID int64) bool {
	prefs, err := s.Profiles.Preferences(ctx, profileID)
	if err != nil {
		slog.Warn("preference lookup failed", slog.Any("error", err))
		return false
	}
	return prefs[prefAutoApply] == "on"
}
