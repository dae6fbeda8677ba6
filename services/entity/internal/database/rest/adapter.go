// Package rest is the storage adapter for REST-style backends speaking the
// PostgREST dialect, such as Supabase.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redbco/redb-entities/pkg/adapter"
)

const (
	restPath = "/rest/v1/"
	rpcPath  = "/rest/v1/rpc/"

	defaultTimeout = 30 * time.Second
)

// Adapter implements adapter.Adapter over HTTP
type Adapter struct {
	baseURL    *url.URL
	apiKey     string
	bearer     string
	httpClient *http.Client
	connected  atomic.Bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// NewAdapter requires url and api_key. A per-call credential is sent as the
// bearer token in place of the API key.
func NewAdapter(cfg adapter.Config, opts ...Option) (adapter.Adapter, error) {
	if err := cfg.Require(adapter.ParamURL, adapter.ParamAPIKey); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &adapter.ConfigurationError{
			Backend: adapter.REST,
			Field:   adapter.ParamURL,
			Reason:  "url must be absolute",
			Cause:   err,
		}
	}

	a := &Adapter{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		bearer:     cfg.APIKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	if cfg.Credential != "" {
		a.bearer = cfg.Credential
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Factory returns an adapter.Factory that applies opts to every adapter
func Factory(opts ...Option) adapter.Factory {
	return func(cfg adapter.Config) (adapter.Adapter, error) {
		return NewAdapter(cfg, opts...)
	}
}

func (a *Adapter) Backend() adapter.BackendType {
	return adapter.REST
}

// Connect performs no I/O; HTTP is stateless and the first request reports
// transport failures.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connected.Store(true)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	a.httpClient.CloseIdleConnections()
	return nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer []string
}

type response struct {
	status  int
	header  http.Header
	payload []byte
}

// apiError is the PostgREST error body
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (a *Adapter) do(ctx context.Context, op string, r request) (*response, error) {
	if !a.connected.Load() {
		return nil, adapter.ErrNotConnected
	}

	u := *a.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal request: %v", adapter.ErrInvalidQuery, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", a.apiKey)
	req.Header.Set("Authorization", "Bearer "+a.bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(r.prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(r.prefer, ","))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, adapter.NewConnectionError(adapter.REST, a.baseURL.Host, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, adapter.NewConnectionError(adapter.REST, a.baseURL.Host, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, payload)
	}
	return &response{status: resp.StatusCode, header: resp.Header, payload: payload}, nil
}

// statusError maps 401/403 to permission errors; everything else is a database error
func statusError(op string, status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	var apiErr apiError
	if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}

	var cause error
	switch {
	case status == http.StatusUnauthorized:
		cause = fmt.Errorf("%w: %s", adapter.ErrAuthenticationFailed, msg)
	case status == http.StatusForbidden:
		cause = fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, msg)
	case status == http.StatusBadRequest:
		cause = fmt.Errorf("%w: %s", adapter.ErrInvalidQuery, msg)
	default:
		cause = fmt.Errorf("status %d: %s", status, msg)
	}
	return adapter.NewDatabaseError(adapter.REST, op, cause).
		WithContext("status", status).
		WithContext("code", apiErr.Code)
}

func decodeRecords(payload []byte) ([]adapter.Record, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []adapter.Record{}, nil
	}
	var recs []adapter.Record
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if recs == nil {
		recs = []adapter.Record{}
	}
	return recs, nil
}

func first(recs []adapter.Record) adapter.Record {
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

func (a *Adapter) records(ctx context.Context, op string, r request) ([]adapter.Record, error) {
	resp, err := a.do(ctx, op, r)
	if err != nil {
		return nil, err
	}
	return decodeRecords(resp.payload)
}

func resourcePath(resource string) (string, error) {
	if err := checkColumn(resource); err != nil || strings.Contains(resource, "/") {
		return "", fmt.Errorf("%w: invalid resource %q", adapter.ErrInvalidQuery, resource)
	}
	return restPath + url.PathEscape(resource), nil
}

func (a *Adapter) Query(ctx context.Context, resource string, params adapter.QueryParams) ([]adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	q, err := buildQuery(params)
	if err != nil {
		return nil, err
	}
	return a.records(ctx, "query", request{method: http.MethodGet, path: path, query: q})
}

func (a *Adapter) QueryOne(ctx context.Context, resource, id string) (adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	q := idQuery(id)
	q.Set("select", "*")
	q.Set("limit", "1")
	recs, err := a.records(ctx, "query_one", request{method: http.MethodGet, path: path, query: q})
	if err != nil {
		return nil, err
	}
	return first(recs), nil
}

func (a *Adapter) Insert(ctx context.Context, resource string, data adapter.Record) (adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	recs, err := a.records(ctx, "insert", request{
		method: http.MethodPost,
		path:   path,
		body:   data,
		prefer: []string{"return=representation"},
	})
	if err != nil {
		return nil, err
	}
	return first(recs), nil
}

// InsertMany posts the batch as one array; PostgREST runs it in one transaction
func (a *Adapter) InsertMany(ctx context.Context, resource string, data []adapter.Record) ([]adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []adapter.Record{}, nil
	}
	return a.records(ctx, "insert_many", request{
		method: http.MethodPost,
		path:   path,
		body:   data,
		prefer: []string{"return=representation"},
	})
}

func (a *Adapter) Update(ctx context.Context, resource, id string, partial adapter.Record) (adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	recs, err := a.records(ctx, "update", request{
		method: http.MethodPatch,
		path:   path,
		query:  idQuery(id),
		body:   partial,
		prefer: []string{"return=representation"},
	})
	if err != nil {
		return nil, err
	}
	return first(recs), nil
}

func (a *Adapter) Upsert(ctx context.Context, resource string, data adapter.Record, conflictKeys []string) (adapter.Record, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return nil, err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}
	for _, k := range conflictKeys {
		if err := checkColumn(k); err != nil {
			return nil, err
		}
	}

	recs, err := a.records(ctx, "upsert", request{
		method: http.MethodPost,
		path:   path,
		query:  url.Values{"on_conflict": []string{strings.Join(conflictKeys, ",")}},
		body:   data,
		prefer: []string{"resolution=merge-duplicates", "return=representation"},
	})
	if err != nil {
		return nil, err
	}
	return first(recs), nil
}

func (a *Adapter) Delete(ctx context.Context, resource, id string) (bool, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return false, err
	}
	recs, err := a.records(ctx, "delete", request{
		method: http.MethodDelete,
		path:   path,
		query:  idQuery(id),
		prefer: []string{"return=representation"},
	})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Count asks for an exact count and reads the total from Content-Range
func (a *Adapter) Count(ctx context.Context, resource string, filters []adapter.Filter) (int64, error) {
	path, err := resourcePath(resource)
	if err != nil {
		return 0, err
	}
	q := url.Values{}
	q.Set("select", adapter.IDField)
	if err := addFilters(q, filters); err != nil {
		return 0, err
	}

	resp, err := a.do(ctx, "count", request{
		method: http.MethodHead,
		path:   path,
		query:  q,
		prefer: []string{"count=exact"},
	})
	if err != nil {
		return 0, err
	}
	total, err := parseContentRange(resp.header.Get("Content-Range"))
	if err != nil {
		return 0, adapter.NewDatabaseError(adapter.REST, "count", err)
	}
	return total, nil
}

// ExecuteRaw calls a stored function: query is the function name and the
// optional single param is its argument object.
func (a *Adapter) ExecuteRaw(ctx context.Context, query string, params ...any) (any, error) {
	fn := strings.TrimSpace(query)
	if err := checkColumn(fn); err != nil || strings.Contains(fn, "/") {
		return nil, fmt.Errorf("%w: invalid function name %q", adapter.ErrInvalidQuery, query)
	}
	if len(params) > 1 {
		return nil, fmt.Errorf("%w: rpc takes a single argument object", adapter.ErrInvalidQuery)
	}
	var args any = map[string]any{}
	if len(params) == 1 && params[0] != nil {
		args = params[0]
	}

	resp, err := a.do(ctx, "execute_raw", request{method: http.MethodPost, path: rpcPath + url.PathEscape(fn), body: args})
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.payload)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(resp.payload, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return out, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
