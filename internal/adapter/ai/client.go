// Package ai implements domain.AIClient against an OpenAI-compatible chat
// completions endpoint.
package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Client calls a chat completions API and parses strict-JSON responses.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a client with a timeout suited to drafting calls.
func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: &http.Client{Timeout: 90 * time.Second}}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatJSON sends one system+user exchange and returns the raw message
// content. Transient HTTP failures (429, 5xx, network) retry with
// exponential backoff up to 2 minutes.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("op=ai.chat: LLM_API_KEY missing: %w", domain.ErrInvalidArgument)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.LLMModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("op=ai.chat: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 2 * time.Minute
	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.LLMBaseURL, "/")+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			slog.Warn("llm call retryable failure", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("op=ai.chat: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("op=ai.chat: status %d: %s", resp.StatusCode, string(raw)))
		}
		var parsed chatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.chat: %w", err))
		}
		if parsed.Error != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.chat: %s", parsed.Error.Message))
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("op=ai.chat: empty choices")
		}
		content = parsed.Choices[0].Message.Content
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=ai.chat: %w: %w", domain.ErrTransient, err)
	}
	return stripFence(content), nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// ExtractRole parses a scraped posting into structured role details.
func (c *Client) ExtractRole(ctx domain.Context, markdown string) (domain.RoleDetails, error) {
	const system = `You extract structured job posting data. Respond with a single JSON object with keys: title, company_name, description, location, requirements, salary_range, skills (array of strings). Use empty strings for unknown fields.`
	out, err := c.ChatJSON(ctx, system, markdown)
	if err != nil {
		return domain.RoleDetails{}, err
	}
	var d domain.RoleDetails
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return domain.RoleDetails{}, fmt.Errorf("op=ai.extract_role: malformed response: %w", err)
	}
	if d.Title == "" || d.CompanyName == "" {
		return domain.RoleDetails{}, fmt.Errorf("op=ai.extract_role: missing title or company: %w", domain.ErrInvalidArgument)
	}
	return d, nil
}

// RankRole scores a role's fit for the profile on [0,1].
func (c *Client) RankRole(ctx domain.Context, role domain.Role, profile domain.Profile) (domain.RankResult, error) {
	const system = `You score how well a candidate fits a job. Respond with a JSON object: {"score": <float between 0.0 and 1.0>, "rationale": "<one sentence>"}.`
	user := fmt.Sprintf("Candidate headline: %s\nCandidate summary: %s\n\nJob: %s at %s\nDescription: %s\nRequirements: %s",
		profile.Headline, profile.Summary, role.Title, role.CompanyName, role.Description, role.Requirements)
	out, err := c.ChatJSON(ctx, system, user)
	if err != nil {
		return domain.RankResult{}, err
	}
	var r domain.RankResult
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return domain.RankResult{}, fmt.Errorf("op=ai.rank_role: malformed response: %w", err)
	}
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 1 {
		r.Score = 1
	}
	return r, nil
}

// DraftDocuments produces a tailored resume and cover letter in markdown.
func (c *Client) DraftDocuments(ctx domain.Context, role domain.Role, profile domain.Profile, instructions *domain.AIInstructions) (domain.DocumentDraft, error) {
	system := `You write tailored application documents. Respond with a JSON object: {"resume_md": "<markdown>", "cover_letter_md": "<markdown>", "identified_skills": [..]}.`
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate headline: %s\nCandidate summary: %s\n\nTarget role: %s at %s\nDescription: %s\nRequirements: %s\n",
		profile.Headline, profile.Summary, role.Title, role.CompanyName, role.Description, role.Requirements)
	if instructions != nil {
		if instructions.Tone != "" {
			fmt.Fprintf(&b, "Tone: %s\n", instructions.Tone)
		}
		if len(instructions.FocusAreas) > 0 {
			fmt.Fprintf(&b, "Emphasize: %s\n", strings.Join(instructions.FocusAreas, ", "))
		}
		if len(instructions.AvoidTopics) > 0 {
			fmt.Fprintf(&b, "Avoid: %s\n", strings.Join(instructions.AvoidTopics, ", "))
		}
	}
	out, err := c.ChatJSON(ctx, system, b.String())
	if err != nil {
		return domain.DocumentDraft{}, err
	}
	var d domain.DocumentDraft
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return domain.DocumentDraft{}, fmt.Errorf("op=ai.draft_documents: malformed response: %w", err)
	}
	if d.ResumeMD == "" || d.CoverLetterMD == "" {
		return domain.DocumentDraft{}, fmt.Errorf("op=ai.draft_documents: empty draft: %w", domain.ErrInvalidArgument)
	}
	return d, nil
}

// AnswerQuestion answers a custom form question from profile data only.
// confident=false means the model could not ground an answer and the caller
// should halt for approval rather than guess.
func (c *Client) AnswerQuestion(ctx domain.Context, question string, user domain.UserData, prefs map[string]string) (string, bool, error) {
	const system = `You answer job application form questions using ONLY the provided candidate data. Never invent facts. Respond with a JSON object: {"answer": "<text>", "confident": <bool>}. Set confident=false when the data does not contain the answer.`
	userBlob, err := json.Marshal(map[string]any{"question": question, "candidate": user, "preferences": prefs})
	if err != nil {
		return "", false, fmt.Errorf("op=ai.answer_question: %w", err)
	}
	out, err := c.ChatJSON(ctx, system, string(userBlob))
	if err != nil {
		return "", false, err
	}
	var parsed struct {
		Answer    string `json:"answer"`
		Confident bool   `json:"confident"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", false, fmt.Errorf("op=ai.answer_question: malformed response: %w", err)
	}
	if strings.TrimSpace(parsed.Answer) == "" {
		return "", false, nil
	}
	return parsed.Answer, parsed.Confident, nil
}
