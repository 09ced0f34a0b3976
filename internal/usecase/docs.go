// Package usecase wires the dispatcher's business flows: ingestion, trigger
// intake, result draining, HITL routing, notification delivery, and the
// maintenance sweeper. All application state writes happen here, through the
// store's transition API; workers only talk to the broker.
package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// DocumentService drafts tailored documents, renders them to PDF, and
// uploads the artifacts.
type DocumentService struct {
	AI       domain.AIClient
	Renderer domain.Renderer
	Blobs    domain.BlobStore
}

// NewDocumentService constructs a DocumentService.
func NewDocumentService(ai domain.AIClient, renderer domain.Renderer, blobs domain.BlobStore) *DocumentService {
	return &DocumentService{AI: ai, Renderer: renderer, Blobs: blobs}
}

// Prepare produces resume and cover-letter URLs for one application attempt.
func (s *DocumentService) Prepare(ctx domain.Context, role domain.Role, profile domain.Profile, instructions *domain.AIInstructions, applicationID int64) (resumeURL, coverURL string, err error) {
	draft, err := s.AI.DraftDocuments(ctx, role, profile, instructions)
	if err != nil {
		return "", "", fmt.Errorf("op=docs.prepare: %w", err)
	}

	resumePDF, err := s.Renderer.RenderPDF(ctx, draft.ResumeMD)
	if err != nil {
		return "", "", fmt.Errorf("op=docs.prepare: %w", err)
	}
	coverPDF, err := s.Renderer.RenderPDF(ctx, draft.CoverLetterMD)
	if err != nil {
		return "", "", fmt.Errorf("op=docs.prepare: %w", err)
	}

	resumeURL, err = s.Blobs.Put(ctx, fmt.Sprintf("applications/%d/resume.pdf", applicationID), resumePDF, "application/pdf")
	if err != nil {
		return "", "", fmt.Errorf("op=docs.prepare: %w", err)
	}
	coverURL, err = s.Blobs.Put(ctx, fmt.Sprintf("applications/%d/cover_letter.pdf", applicationID), coverPDF, "application/pdf")
	if err != nil {
		return "", "", fmt.Errorf("op=docs.prepare: %w", err)
	}
	slog.Info("documents prepared", slog.Int64("application_id", applicationID))
	return resumeURL, coverURL, nil
}
