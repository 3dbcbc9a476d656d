package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// HTTPTransport talks to the relayd admin API.
type HTTPTransport struct {
	base string
	hc   *http.Client
}

// NewHTTPTransport returns a transport for the API at base, for example
// http://127.0.0.1:8080. A nil client uses a 10s timeout.
func NewHTTPTransport(base string, hc *http.Client) *HTTPTransport {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{base: strings.TrimRight(base, "/"), hc: hc}
}

// Put stores value under key in space; zero space selects the default.
func (t *HTTPTransport) Put(ctx context.Context, space uint32, key, value string) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]any{"space": space, "key": key, "value": value})
	return t.do(ctx, http.MethodPost, "/v1/kv", nil, body)
}

func (t *HTTPTransport) Get(ctx context.Context, space uint32, key string) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/kv", kvQuery(space, key), nil)
}

func (t *HTTPTransport) Delete(ctx context.Context, space uint32, key string) (json.RawMessage, error) {
	return t.do(ctx, http.MethodDelete, "/v1/kv", kvQuery(space, key), nil)
}

func (t *HTTPTransport) Instance(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/instance", nil, nil)
}

func (t *HTTPTransport) Replicas(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/replicas", nil, nil)
}

func (t *HTTPTransport) Applier(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/applier", nil, nil)
}

func (t *HTTPTransport) Pins(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/gc", nil, nil)
}

func (t *HTTPTransport) Segments(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, "/v1/wal/segments", nil, nil)
}

// Entries lists WAL transactions starting at sequence from.
func (t *HTTPTransport) Entries(ctx context.Context, from uint64, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return t.do(ctx, http.MethodGet, "/v1/wal/entries", q, nil)
}

func kvQuery(space uint32, key string) url.Values {
	q := url.Values{}
	if space != 0 {
		q.Set("space", strconv.FormatUint(uint64(space), 10))
	}
	q.Set("key", key)
	return q
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, q url.Values, body []byte) (json.RawMessage, error) {
	u := t.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return json.RawMessage(data), nil
}
