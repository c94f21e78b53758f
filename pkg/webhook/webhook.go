// Package webhook delivers execution results to the attack-log endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"attack-pipeline/pkg/circuitbreaker"
	"attack-pipeline/pkg/observability"
)

const (
	UpdateAttackLogPath = "/api/simulations/update-attack-log"
	SignatureHeader     = "X-Attack-Signature"
	JobIDHeader         = "X-Attack-Job-ID"

	defaultTimeout = 10 * time.Second

	// MaxExcerptBytes bounds each output field in a posted result. The full
	// output lives in the artifact store.
	MaxExcerptBytes = 64 << 10
)

const excerptSuffix = "\n[truncated]"

// Excerpt shortens s to at most MaxExcerptBytes without splitting a rune.
func Excerpt(s string) string {
	if len(s) <= MaxExcerptBytes {
		return s
	}
	cut := MaxExcerptBytes - len(excerptSuffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + excerptSuffix
}

// AttackResult is the body posted for each finished execution attempt.
type AttackResult struct {
	SimulationID string `json:"simulationId"`
	AgentID      string `json:"agentId"`
	ScriptID     string `json:"scriptId"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	Target       string `json:"target,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	Error        string `json:"error,omitempty"`
	ArtifactKey  string `json:"artifactKey,omitempty"`
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	url     string
	secret  string
	timeout time.Duration
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

type Option func(*Client)

func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client posting to baseURL + UpdateAttackLogPath.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		url:     baseURL + UpdateAttackLogPath,
		timeout: defaultTimeout,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string { return c.url }

// Send posts one result. Errors are transport failures, *StatusError or
// circuitbreaker.ErrCircuitOpen.
func (c *Client) Send(ctx context.Context, res AttackResult) error {
	err := c.send(ctx, res)
	result := "delivered"
	if err != nil {
		result = "error"
	}
	observability.WebhookDeliveries.WithLabelValues(res.Status, result).Inc()
	return err
}

func (c *Client) send(ctx context.Context, res AttackResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if res.JobID != "" {
		req.Header.Set(JobIDHeader, res.JobID)
	}
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	// Every request let through by Allow settles the breaker exactly once,
	// otherwise a half-open trial request would keep the circuit shut.
	if err := c.breaker.Allow(c.url); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure(c.url)
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.Failure(c.url)
	} else {
		// A 4xx means the payload was refused by a reachable endpoint.
		c.breaker.Success(c.url)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	c.logger.Debug("webhook delivered", "job_id", res.JobID, "status", res.Status)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
