// Package storeclient talks to the shared record store over HTTP. Every
// error it returns classifies under records.Classify.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// RemoteStore is the CRUD and lock surface of the shared record store.
type RemoteStore interface {
	List(ctx context.Context, entity records.EntityType, containerID string) ([]json.RawMessage, error)
	Create(ctx context.Context, entity records.EntityType, body any) (json.RawMessage, error)
	Update(ctx context.Context, entity records.EntityType, id string, patch any, ifMatch string) (json.RawMessage, error)
	Delete(ctx context.Context, entity records.EntityType, id string) error
	Lock(ctx context.Context, id, owner string, lockType records.LockType) (records.Document, error)
	Unlock(ctx context.Context, id string, req UnlockRequest) (records.Document, error)
	ListLockedBy(ctx context.Context, owner string) ([]records.Document, error)
}

type UnlockRequest struct {
	Owner string           `json:"owner"`
	Type  records.LockType `json:"type,omitempty"`
	Force bool             `json:"force,omitempty"`
}

type Options struct {
	BaseURL string
	Token   string
	// HTTPClient overrides the transport. Its own Timeout is left alone;
	// per-call timeouts come from InteractiveTimeout and BackgroundTimeout.
	HTTPClient         *http.Client
	InteractiveTimeout time.Duration
	BackgroundTimeout  time.Duration
	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
}

type HTTPClient struct {
	baseURL            string
	httpClient         *http.Client
	interactiveTimeout time.Duration
	backgroundTimeout  time.Duration
	maxRetries         int
	baseDelay          time.Duration
	maxDelay           time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &HTTPClient{
		baseURL:            baseURL,
		token:              strings.TrimSpace(opts.Token),
		httpClient:         httpClient,
		interactiveTimeout: opts.InteractiveTimeout,
		backgroundTimeout:  opts.BackgroundTimeout,
		maxRetries:         opts.MaxRetries,
		baseDelay:          opts.BaseDelay,
		maxDelay:           opts.MaxDelay,
	}
	if c.interactiveTimeout <= 0 {
		c.interactiveTimeout = 10 * time.Second
	}
	if c.backgroundTimeout <= 0 {
		c.backgroundTimeout = 30 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c
}

type backgroundKey struct{}

// Background marks ctx so calls made with it use the longer background
// timeout.
func Background(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

func isBackground(ctx context.Context) bool {
	v, _ := ctx.Value(backgroundKey{}).(bool)
	return v
}

func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RealtimeURL returns the websocket URL of the push endpoint.
func (c *HTTPClient) RealtimeURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/v1/realtime"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/v1/realtime"
	}
	return c.baseURL + "/v1/realtime"
}

func (c *HTTPClient) List(ctx context.Context, entity records.EntityType, containerID string) ([]json.RawMessage, error) {
	q := url.Values{}
	if strings.TrimSpace(containerID) != "" {
		q.Set("containerId", strings.TrimSpace(containerID))
	}
	path := fmt.Sprintf("/v1/records/%s", url.PathEscape(string(entity)))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out, entity, "", nil)
	return out.Items, err
}

// Create assigns an id on the client when the body has none, so a retry
// after a lost response can find the record instead of creating it twice.
func (c *HTTPClient) Create(ctx context.Context, entity records.EntityType, body any) (json.RawMessage, error) {
	fields, err := toFields(body)
	if err != nil {
		return nil, err
	}
	id, _ := decodeString(fields["id"])
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
		fields["id"], _ = json.Marshal(id)
	}
	var out json.RawMessage
	resolve := func(ctx context.Context) (json.RawMessage, bool, error) {
		existing, err := c.get(ctx, entity, id)
		if errors.Is(err, records.ErrNotFound) {
			return nil, false, nil
		}
		return existing, err == nil, err
	}
	err = c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/records/%s", url.PathEscape(string(entity))), nil, fields, &out, entity, id, resolve)
	return out, err
}

// Update never resends a patch whose first attempt may have committed:
// after a lost response it reads the record back and accepts it when the
// patched fields already hold the requested values.
func (c *HTTPClient) Update(ctx context.Context, entity records.EntityType, id string, patch any, ifMatch string) (json.RawMessage, error) {
	if strings.TrimSpace(ifMatch) == "" {
		ifMatch = "*"
	}
	fields, err := toFields(patch)
	if err != nil {
		return nil, err
	}
	resolve := func(ctx context.Context) (json.RawMessage, bool, error) {
		current, err := c.get(ctx, entity, id)
		if err != nil {
			return nil, false, err
		}
		held, err := toFields(current)
		if err != nil {
			return nil, false, err
		}
		if fieldsApplied(held, fields) {
			return current, true, nil
		}
		if ifMatch != "*" && !sameRevision(held["updatedAt"], ifMatch) {
			rev, _ := decodeString(held["updatedAt"])
			return nil, false, &ConflictError{Entity: entity, ID: id, CurrentRevision: rev}
		}
		return nil, false, nil
	}
	headers := map[string]string{"If-Match": ifMatch}
	var out json.RawMessage
	err = c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/v1/records/%s/%s", url.PathEscape(string(entity)), url.PathEscape(id)), headers, fields, &out, entity, id, resolve)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, entity records.EntityType, id string) error {
	resolve := func(ctx context.Context) (json.RawMessage, bool, error) {
		_, err := c.get(ctx, entity, id)
		if errors.Is(err, records.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/records/%s/%s", url.PathEscape(string(entity)), url.PathEscape(id)), nil, nil, nil, entity, id, resolve)
}

func (c *HTTPClient) get(ctx context.Context, entity records.EntityType, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/records/%s/%s", url.PathEscape(string(entity)), url.PathEscape(id)), nil, nil, &out, entity, id, nil)
	return out, err
}

func (c *HTTPClient) Lock(ctx context.Context, id, owner string, lockType records.LockType) (records.Document, error) {
	body := map[string]any{"owner": owner, "type": lockType}
	var out records.Document
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/documents/%s/lock", url.PathEscape(id)), nil, body, &out, records.EntityDocument, id, nil)
	return out, err
}

func (c *HTTPClient) Unlock(ctx context.Context, id string, req UnlockRequest) (records.Document, error) {
	var out records.Document
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/documents/%s/unlock", url.PathEscape(id)), nil, req, &out, records.EntityDocument, id, nil)
	return out, err
}

func (c *HTTPClient) ListLockedBy(ctx context.Context, owner string) ([]records.Document, error) {
	q := url.Values{}
	q.Set("lockedBy", owner)
	var out struct {
		Items []records.Document `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/documents?"+q.Encode(), nil, nil, &out, records.EntityDocument, "", nil)
	return out.Items, err
}

// resolveFunc decides the outcome of a write whose response was lost. It
// reports done with the record to return, not done to resend, or an error
// that ends the call.
type resolveFunc func(ctx context.Context) (json.RawMessage, bool, error)

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
	entity records.EntityType,
	id string,
	resolve resolveFunc,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	timeout := c.interactiveTimeout
	if isBackground(ctx) {
		timeout = c.backgroundTimeout
	}
	correlationID := uuid.NewString()
	uncertain := false
	for attempt := 0; ; attempt++ {
		resp, payloadBytes, err := c.attempt(ctx, timeout, method, requestPath, correlationID, headers, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				if resolve != nil {
					uncertain = true
					payload, done, resolveErr := resolve(ctx)
					switch {
					case done:
						return decodeInto(payload, out)
					case resolveErr != nil && records.Classify(resolveErr) != records.ClassNetwork:
						return resolveErr
					}
				}
				continue
			}
			return fmt.Errorf("%w: %w", records.ErrNetworkUnavailable, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return decodeInto(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code            string           `json:"code"`
			Message         string           `json:"message"`
			HeldBy          string           `json:"heldBy"`
			HeldType        records.LockType `json:"heldType"`
			CurrentRevision string           `json:"currentRevision"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if uncertain && resolve != nil && (resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound) {
			// The earlier attempt committed after all.
			if payload, done, _ := resolve(ctx); done {
				return decodeInto(payload, out)
			}
		}
		if resp.StatusCode == http.StatusConflict {
			if errPayload.Code == "lock_conflict" {
				return &records.LockConflictError{DocumentID: id, HeldBy: errPayload.HeldBy, HeldType: errPayload.HeldType}
			}
			return &ConflictError{Entity: entity, ID: id, CurrentRevision: errPayload.CurrentRevision}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func decodeInto(payload []byte, out any) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func toFields(v any) (map[string]json.RawMessage, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: record body must be a JSON object: %v", records.ErrInvalidInput, err)
	}
	return fields, nil
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// fieldsApplied reports whether every patched field already holds its
// patched value in held.
func fieldsApplied(held, patch map[string]json.RawMessage) bool {
	for key, want := range patch {
		var a, b any
		if json.Unmarshal(want, &a) != nil {
			return false
		}
		if got, ok := held[key]; ok {
			if json.Unmarshal(got, &b) != nil {
				return false
			}
		}
		if !reflect.DeepEqual(a, b) {
			return false
		}
	}
	return true
}

func sameRevision(raw json.RawMessage, ifMatch string) bool {
	held, ok := decodeString(raw)
	if !ok {
		return false
	}
	a, errA := time.Parse(time.RFC3339Nano, held)
	b, errB := time.Parse(time.RFC3339Nano, ifMatch)
	if errA != nil || errB != nil {
		return held == ifMatch
	}
	return a.Equal(b)
}

// attempt runs one request under its own timeout. A timeout surfaces as a
// transport error and is classified as a network failure.
func (c *HTTPClient) attempt(
	ctx context.Context,
	timeout time.Duration,
	method, requestPath, correlationID string,
	headers map[string]string,
	bodyBytes []byte,
) (*http.Response, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	req.Header.Set("X-Correlation-Id", correlationID)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, fmt.Errorf("request timed out after %s: %w", timeout, err)
		}
		return nil, nil, err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, nil, readErr
	}
	return resp, payloadBytes, nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
