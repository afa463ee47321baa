// Package meta is the Graph API client shared by the WhatsApp and Instagram adapters.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://graph.facebook.com"
	DefaultVersion = "v18.0"

	// SignatureHeader carries the HMAC of the webhook body.
	SignatureHeader = "X-Hub-Signature-256"
)

// Config holds client settings.
type Config struct {
	BaseURL string
	Version string
	Timeout time.Duration
	// Rate and Burst bound requests per second across all channels.
	Rate  float64
	Burst int
}

// APIError is a non-2xx Graph response.
type APIError struct {
	Status  int
	Code    int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph api: status %d", e.Status)
	}
	return fmt.Sprintf("graph api: status %d: %s", e.Status, e.Message)
}

// Client calls the Graph API with a shared rate limit and one circuit
// breaker per channel account.
type Client struct {
	http    *http.Client
	baseURL string
	version string
	limiter *rate.Limiter
	log     *logrus.Entry

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(cfg Config, log *logrus.Entry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.Rate) * 2
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		version:  cfg.Version,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:      log.WithField("component", "meta.graph"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-" + key,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5)
		},
		// Rejected requests are the caller's fault, not an outage.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	c.breakers[key] = cb
	return cb
}

// Request is one Graph call.
type Request struct {
	// Account keys the circuit breaker, usually the phone number or page id.
	Account string
	Method  string
	// Path is relative to the versioned base, e.g. "12345/messages".
	Path    string
	Token   string
	Version string
	Body    any
}

// Do performs req and decodes a 2xx JSON answer into out when out is not nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("graph rate limit: %w", err)
	}
	_, err := c.breaker(req.Account).Execute(func() (interface{}, error) {
		return nil, c.do(ctx, req, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	version := req.Version
	if version == "" {
		version = c.version
	}
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, version, strings.TrimLeft(req.Path, "/"))

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode graph request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Message = payload.Error.Message
		apiErr.Type = payload.Error.Type
		apiErr.Code = payload.Error.Code
	}
	return apiErr
}

// ErrBadSignature is returned when a webhook body does not match its signature.
var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifySignature checks the X-Hub-Signature-256 header against body.
func VerifySignature(appSecret, header string, body []byte) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the header value Meta would send for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
