// Package browser talks to the Stagehand automation sidecar over HTTP. Each
// Session wraps one sidecar browser session; the form loop drives it through
// the worker.Session contract.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/worker"
)

// Factory opens sidecar sessions.
type Factory struct {
	baseURL string
	timeout time.Duration
	hc      *http.Client
}

// NewFactory constructs a Factory. timeout bounds each individual browser
// command, not the whole run.
func NewFactory(baseURL string, timeout time.Duration) *Factory {
	return &Factory{
		baseURL: baseURL,
		timeout: timeout,
		hc:      &http.Client{Timeout: timeout + 10*time.Second},
	}
}

// New opens a fresh browser session in the sidecar.
func (f *Factory) New(ctx context.Context) (worker.Session, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := f.call(ctx, "/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("op=browser.new: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("op=browser.new: empty session id")
	}
	return &session{f: f, id: out.SessionID}, nil
}

// Ping checks the sidecar is reachable.
func (f *Factory) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=browser.ping: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=browser.ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=browser.ping: status %d", resp.StatusCode)
	}
	return nil
}

func (f *Factory) call(ctx context.Context, path string, in, out any) error {
	cmdCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(cmdCtx, http.MethodPost, f.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.hc.Do(req)
	if err != nil {
		// Command timeouts and connection drops are the browser-transient
		// class the loop retries.
		return fmt.Errorf("%w: %v", worker.ErrBrowser, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read: %v", worker.ErrBrowser, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", worker.ErrBrowser, resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type session struct {
	f  *Factory
	id string
}

func (s *session) path(action string) string {
	return fmt.Sprintf("/sessions/%s/%s", s.id, action)
}

func (s *session) Navigate(ctx context.Context, url string) error {
	return s.f.call(ctx, s.path("navigate"), map[string]string{"url": url}, nil)
}

func (s *session) Analyze(ctx context.Context) (worker.PageAnalysis, error) {
	var out struct {
		Kind             string `json:"kind"`
		Title            string `json:"title"`
		URL              string `json:"url"`
		ConfirmationText string `json:"confirmation_text"`
		HasPasswordField bool   `json:"has_password_field"`
		Fields           []struct {
			Label    string `json:"label"`
			Kind     string `json:"kind"`
			Required bool   `json:"required"`
		} `json:"fields"`
	}
	if err := s.f.call(ctx, s.path("analyze"), nil, &out); err != nil {
		return worker.PageAnalysis{}, err
	}
	analysis := worker.PageAnalysis{
		Kind:             worker.PageKind(out.Kind),
		Title:            out.Title,
		URL:              out.URL,
		ConfirmationText: out.ConfirmationText,
		HasPasswordField: out.HasPasswordField,
	}
	switch analysis.Kind {
	case worker.PageJobDescription, worker.PageApplicationForm, worker.PageLogin,
		worker.PageMultiStep, worker.PageConfirmation:
	default:
		analysis.Kind = worker.PageUnknown
	}
	for _, f := range out.Fields {
		kind := worker.FieldKind(f.Kind)
		if kind != worker.FieldFile && kind != worker.FieldSelect {
			kind = worker.FieldText
		}
		analysis.Fields = append(analysis.Fields, worker.FormField{
			Label: f.Label, Kind: kind, Required: f.Required,
		})
	}
	return analysis, nil
}

func (s *session) ClickApply(ctx context.Context) error {
	return s.f.call(ctx, s.path("act"), map[string]string{"instruction": "click the apply button"}, nil)
}

func (s *session) Login(ctx context.Context, username, password string) error {
	return s.f.call(ctx, s.path("login"), map[string]string{
		"username": username,
		"password": password,
	}, nil)
}

func (s *session) FillField(ctx context.Context, label, value string) error {
	return s.f.call(ctx, s.path("fill"), map[string]string{
		"label": label,
		"value": value,
	}, nil)
}

func (s *session) UploadFile(ctx context.Context, label, fileURL string) error {
	return s.f.call(ctx, s.path("upload"), map[string]string{
		"label":    label,
		"file_url": fileURL,
	}, nil)
}

func (s *session) SubmitOrNext(ctx context.Context) error {
	return s.f.call(ctx, s.path("act"), map[string]string{"instruction": "submit the form or continue to the next step"}, nil)
}

func (s *session) Screenshot(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := s.f.call(ctx, s.path("screenshot"), nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (s *session) SerializeState(ctx context.Context) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := s.f.call(ctx, s.path("state"), nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (s *session) RestoreState(ctx context.Context, blob string) error {
	return s.f.call(ctx, s.path("restore"), map[string]string{"state": blob}, nil)
}

func (s *session) Close(ctx context.Context) error {
	return s.f.call(ctx, s.path("close"), nil, nil)
}
