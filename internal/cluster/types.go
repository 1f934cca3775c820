package cluster

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

// RegisterRequest is the body of POST /device/register.
type RegisterRequest struct {
	Labels       map[string]string `json:"labels,omitempty"`
	DeviceID     string            `json:"device_id"`
	Kind         string            `json:"kind"`
	Address      string            `json:"address"`
	Capabilities []string          `json:"capabilities"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// HeartbeatRequest is the body of POST /device/heartbeat.
type HeartbeatRequest struct {
	DeviceID      string `json:"device_id"`
	TimestampUnix int64  `json:"timestamp_unix,omitempty"`
}

// ExecuteRequest is what a coordinator posts to a device's /execute endpoint.
type ExecuteRequest struct {
	Params    map[string]any `json:"params,omitempty"`
	Command   string         `json:"command"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned when the peer answered with a non-2xx status.
type StatusError struct {
	URL  string
	Body string
	Code int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

// ClientError reports whether the peer refused the request (4xx).
func (e *StatusError) ClientError() bool {
	return e.Code >= 400 && e.Code < 500
}

// Client issues JSON requests against peers.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client whose requests time out after timeout. A zero
// timeout leaves the deadline entirely to the request context.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

var defaultClient = NewClient(5 * time.Second)

// PostJSON posts body to url with the default 5s client and decodes the
// reply into out when out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return defaultClient.PostJSON(ctx, url, body, out)
}

// GetJSON fetches url with the default client and decodes the reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return defaultClient.GetJSON(ctx, url, out)
}

// PostJSON posts body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetJSON issues a GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: errorBody(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorBody(raw []byte) string {
	var er ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(raw))
}

// BaseURL turns a device or peer address into an http URL without a
// trailing slash. Bare host:port addresses get the http scheme.
func BaseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, ErrorResponse{Error: err.Error()})
}
