package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the player API root all request paths are relative to.
const DefaultBaseURL = "https://api.spotify.com/v1/me/"

// maxErrorBody bounds how much of a response body is kept.
const maxErrorBody = 64 << 10

// Response is the outcome of one REST call.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ServiceError is the service's error object for a non-2xx response.
type ServiceError struct {
	Status  int
	Reason  string
	Message string
}

func (e *ServiceError) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("player api: %d %s: %s", e.Status, e.Reason, e.Message)
	case e.Message != "":
		return fmt.Sprintf("player api: %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("player api: %d %s", e.Status, http.StatusText(e.Status))
	}
}

// ParseServiceError decodes {"error":{"status","message","reason"}} from r.
// Missing or malformed bodies still yield an error carrying the status.
func ParseServiceError(r *Response) *ServiceError {
	var body struct {
		Error struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		} `json:"error"`
	}
	se := &ServiceError{Status: r.StatusCode}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		se.Message = body.Error.Message
		se.Reason = body.Error.Reason
	}
	return se
}

// Client performs player API calls with a bearer token.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL. An empty baseURL selects
// DefaultBaseURL; timeout <= 0 leaves the transport default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Do sends req once. Transport failures are returned as errors; any HTTP
// status, including non-2xx, is returned as a Response.
func (c *Client) Do(ctx context.Context, req Request, accessToken string) (*Response, error) {
	payload, err := req.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode %s %s body: %w", req.Method, req.Path, err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, c.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", req.Method, req.Path, err)
	}
	hr.Header.Set("Authorization", "Bearer "+accessToken)
	hr.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", req.Method, req.Path, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: b}, nil
}
