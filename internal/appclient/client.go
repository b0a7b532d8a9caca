package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/agexec/internal/api"
)

// Client speaks the daemon's v1 API over a unix domain socket.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	streamScannerInitialBuffer = 64 * 1024
	streamScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout        = 10 * time.Second
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil, false)
	if err != nil {
		return api.HealthResponse{}, err
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

func (c *Client) SendIntent(ctx context.Context, req api.IntentRequest) (api.IntentResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/intents", nil, req, false)
	if err != nil {
		return api.IntentResponse{}, err
	}
	var resp api.IntentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.IntentResponse{}, fmt.Errorf("decode intent response: %w", err)
	}
	return resp, nil
}

func (c *Client) Events(ctx context.Context, sessionID string, limit int) (api.EventsEnvelope, error) {
	query := url.Values{}
	if s := strings.TrimSpace(sessionID); s != "" {
		query.Set("session", s)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/events", query, nil, false)
	if err != nil {
		return api.EventsEnvelope{}, err
	}
	var env api.EventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.EventsEnvelope{}, fmt.Errorf("decode events envelope: %w", err)
	}
	return env, nil
}

func (c *Client) CreateSession(ctx context.Context, sessionID string) (api.SessionResponse, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.SessionResponse{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodPost, "/v1/sessions", nil, api.SessionRequest{SessionID: id}, false)
	if err != nil {
		return api.SessionResponse{}, err
	}
	var resp api.SessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.SessionResponse{}, fmt.Errorf("decode session response: %w", err)
	}
	return resp, nil
}

func (c *Client) LatestSession(ctx context.Context) (api.SessionResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions/latest", nil, nil, false)
	if err != nil {
		return api.SessionResponse{}, err
	}
	var resp api.SessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.SessionResponse{}, fmt.Errorf("decode session response: %w", err)
	}
	return resp, nil
}

type StreamOptions struct {
	Session   string
	OnConnect func()
}

// Stream follows the live event feed until the context ends, the server
// closes the stream, or onEvent returns an error. OnConnect fires once
// the subscription is established, before any event is delivered.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, onEvent func(api.EventItem) error) error {
	u := c.baseURL + "/v1/stream"
	if s := strings.TrimSpace(opts.Session); s != "" {
		query := url.Values{}
		query.Set("session", s)
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return &RequestError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
		}
		return &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: strings.TrimSpace(string(payload))}
	}
	if opts.OnConnect != nil {
		opts.OnConnect()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, streamScannerInitialBuffer), streamScannerMaxBuffer)
	eventName := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			if eventName == "" || eventName == "heartbeat" {
				continue
			}
			var item api.EventItem
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &item); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			if onEvent != nil {
				if err := onEvent(item); err != nil {
					return err
				}
			}
		case line == "":
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

type StreamLoopOptions struct {
	Session         string
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// StreamLoop keeps a stream open, reconnecting with exponential backoff
// when the connection drops. Errors from onEvent end the loop; so does a
// non-retryable server response.
func (c *Client) StreamLoop(ctx context.Context, opts StreamLoopOptions, onEvent func(api.EventItem) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var cbErr error
		err := c.Stream(ctx, StreamOptions{Session: opts.Session}, func(item api.EventItem) error {
			backoff = minBackoff
			if onEvent == nil {
				return nil
			}
			if err := onEvent(item); err != nil {
				cbErr = err
				return err
			}
			return nil
		})
		if cbErr != nil {
			return cbErr
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
		}
		if opts.Once {
			return err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
