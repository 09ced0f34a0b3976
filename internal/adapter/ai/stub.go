package ai

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Stub is a fast, deterministic AIClient for local runs and tests.
type Stub struct{}

// NewStub returns a deterministic stub client.
func NewStub() *Stub { return &Stub{} }

// ExtractRole parses "Title at Company" from the first line when possible.
func (s *Stub) ExtractRole(_ domain.Context, markdown string) (domain.RoleDetails, error) {
	line := markdown
	if i := strings.IndexByte(markdown, '\n'); i >= 0 {
		line = markdown[:i]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	title, company := line, "Unknown"
	if i := strings.Index(line, " at "); i >= 0 {
		title, company = line[:i], line[i+4:]
	}
	if title == "" {
		return domain.RoleDetails{}, fmt.Errorf("op=ai.extract_role: empty posting: %w", domain.ErrInvalidArgument)
	}
	return domain.RoleDetails{Title: title, CompanyName: company, Description: markdown}, nil
}

// RankRole scores by naive keyword overlap between summary and description.
func (s *Stub) RankRole(_ domain.Context, role domain.Role, profile domain.Profile) (domain.RankResult, error) {
	words := strings.Fields(strings.ToLower(profile.Summary))
	desc := strings.ToLower(role.Description)
	hits := 0
	for _, w := range words {
		if len(w) > 4 && strings.Contains(desc, w) {
			hits++
		}
	}
	score := float64(hits) / 10
	if score > 1 {
		score = 1
	}
	return domain.RankResult{Score: score, Rationale: fmt.Sprintf("%d keyword matches", hits)}, nil
}

// DraftDocuments returns templated markdown documents.
func (s *Stub) DraftDocuments(_ domain.Context, role domain.Role, profile domain.Profile, _ *domain.AIInstructions) (domain.DocumentDraft, error) {
	return domain.DocumentDraft{
		ResumeMD:      fmt.Sprintf("# %s\n\n%s\n\n## Target\n%s at %s\n", profile.Headline, profile.Summary, role.Title, role.CompanyName),
		CoverLetterMD: fmt.Sprintf("Dear %s,\n\nI am applying for the %s role.\n\n%s\n", role.CompanyName, role.Title, profile.Summary),
	}, nil
}

// AnswerQuestion answers only from preference keys mentioned in the
// question; everything else is unconfident so callers halt for approval.
func (s *Stub) AnswerQuestion(_ domain.Context, question string, user domain.UserData, prefs map[string]string) (string, bool, error) {
	q := strings.ToLower(question)
	for key, val := range prefs {
		if strings.Contains(q, strings.ToLower(strings.ReplaceAll(key, "_", " "))) {
			return val, true, nil
		}
	}
	if strings.Contains(q, "salary") && user.SalaryExpectation != "" {
		return user.SalaryExpectation, true, nil
	}
	if strings.Contains(q, "available") && user.Availability != "" {
		return user.Availability, true, nil
	}
	return "", false, nil
}
