// Package sms implements the outbound SMS gateway and inbound webhook
// signature validation against the Twilio REST API.
package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

const defaultBaseURL = "https://api.twilio.com"

// Gateway implements domain.SMSGateway.
type Gateway struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	hc         *http.Client
}

// New constructs a gateway. baseURL overrides the Twilio API host in tests.
func New(accountSID, authToken, from, baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Gateway{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		hc:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Send posts one outbound message. 5xx and network failures map to
// ErrTransient so the notifier retries them.
func (g *Gateway) Send(ctx domain.Context, to, body string) error {
	if to == "" || body == "" {
		return fmt.Errorf("op=sms.send: empty recipient or body: %w", domain.ErrInvalidArgument)
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", g.from)
	form.Set("Body", body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, g.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=sms.send: %w", err)
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=sms.send: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("op=sms.send: status %d: %w", resp.StatusCode, domain.ErrTransient)
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=sms.send: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Ping verifies the account is reachable and the token valid.
func (g *Gateway) Ping(ctx domain.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", g.baseURL, g.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("op=sms.ping: %w", err)
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	resp, err := g.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=sms.ping: %w: %w", domain.ErrTransient, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("op=sms.ping: status %d", resp.StatusCode)
	}
	return nil
}

// ValidateSignature checks the X-Twilio-Signature on an inbound webhook:
// HMAC-SHA1 over the full URL plus form parameters concatenated in sorted
// key order, base64 encoded.
func ValidateSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
