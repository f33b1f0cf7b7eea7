package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/ratelimit"
)

// TokenHeader carries the endpoint's shared secret.
const TokenHeader = "X-Tool-Request-Token"

const (
	defaultTimeout  = 10 * time.Second
	userAgent       = "rosterwatch"
	maxBodyPreview  = 200
	maxResponseSize = 1 << 20
)

// Notification is the JSON body sent for one follower
type Notification struct {
	TargetAccount       string `json:"target_account"`
	FollowerUsername    string `json:"follower_username"`
	FollowerDisplayName string `json:"follower_display_name"`
	FirstSeen           string `json:"first_seen"`
}

// FromFollower builds the notification for a ledger record.
func FromFollower(f ledger.Follower) Notification {
	return Notification{
		TargetAccount:       f.Target,
		FollowerUsername:    f.Username,
		FollowerDisplayName: f.DisplayName,
		FirstSeen:           f.FirstSeen.UTC().Format(time.RFC3339),
	}
}

// Response is the endpoint's acknowledgement body
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client posts notifications to a single endpoint
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	headers    map[string]string
	limiter    ratelimit.Limiter
	logger     logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds every request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestsPerMinute paces Send; zero or less disables pacing.
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) { c.limiter = ratelimit.PerMinute(n) }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for endpoint authenticated with token
func NewClient(endpoint, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   endpoint,
		token:      token,
		headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   userAgent + "/" + logger.Version,
		},
		logger: logger.GetLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.WithField("component", "notify")
	return c
}

// SetHeader sets a custom header sent with every request
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Endpoint returns the configured URL
func (c *Client) Endpoint() string { return c.endpoint }

// Send delivers one notification. A nil error means the endpoint confirmed
// success; anything else is an *errors.Error describing why it did not.
func (c *Client) Send(ctx context.Context, n Notification) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(n)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, err, "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, err, "create request")
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.checkResponse(resp, n.FollowerUsername)
}

// doRequest sets headers, performs the request and logs it
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(TokenHeader, c.token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   req.Method,
			"url":      req.URL.String(),
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: "request failed",
			Err:     err,
		}
	}

	logger.LogRequest(c.logger, req.Method, req.URL.String(), resp.StatusCode, float64(duration.Microseconds())/1000)
	return resp, nil
}

// checkResponse classifies the endpoint's answer
func (c *Client) checkResponse(resp *http.Response, username string) error {
	if resp.StatusCode == http.StatusNotFound {
		c.logger.WarnWithFields("Notification endpoint not found", map[string]interface{}{
			"url": c.endpoint,
		})
		return errs.New(errs.ErrorTypeNotFound, resp.StatusCode, "endpoint not found: %s", c.endpoint)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: "read response body",
			Code:    resp.StatusCode,
			Err:     err,
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.ErrorWithFields("Failed to parse endpoint response", map[string]interface{}{
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": preview(raw),
		})
		if resp.StatusCode >= 500 {
			return errs.New(errs.ErrorTypeServerError, resp.StatusCode, "server error")
		}
		return &errs.Error{
			Type:    errs.ErrorTypeParsing,
			Message: "invalid JSON response",
			Code:    resp.StatusCode,
			Err:     err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK && out.Success:
		return nil
	case resp.StatusCode >= 500:
		return errs.New(errs.ErrorTypeServerError, resp.StatusCode, "%s", messageOr(out.Error, "internal server error"))
	default:
		c.logger.WarnWithFields("Endpoint rejected follower", map[string]interface{}{
			"status":   resp.StatusCode,
			"username": username,
			"error":    out.Error,
		})
		return errs.New(errs.ErrorTypeRejected, resp.StatusCode, "%s", messageOr(out.Error, fmt.Sprintf("unexpected response (status %d)", resp.StatusCode)))
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

func preview(body []byte) string {
	if len(body) > maxBodyPreview {
		return string(body[:maxBodyPreview]) + "..."
	}
	return string(body)
}
