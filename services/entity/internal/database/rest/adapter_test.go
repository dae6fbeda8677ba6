package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
)

type recorded struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	headers  map[string]string
	reply    string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{r.Method, r.URL.Path, r.URL.Query(), r.Header.Clone(), body})
	status, reply := f.status, f.reply
	for k, v := range f.headers {
		w.Header().Set(k, v)
	}
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, reply)
}

func (f *fakeServer) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestAdapter(t *testing.T, f *fakeServer, credential string) adapter.Adapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	a, err := NewAdapter(adapter.Config{Backend: adapter.REST, URL: srv.URL, APIKey: "anon-key", Credential: credential})
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestNewAdapterConfig(t *testing.T) {
	_, err := NewAdapter(adapter.Config{Backend: adapter.REST, APIKey: "k"})
	assert.True(t, adapter.IsConfigurationError(err))

	_, err = NewAdapter(adapter.Config{Backend: adapter.REST, URL: "not-absolute", APIKey: "k"})
	assert.True(t, adapter.IsConfigurationError(err))

	a, err := NewAdapter(adapter.Config{Backend: adapter.REST, URL: "https://x.supabase.co", APIKey: "k"})
	require.NoError(t, err)
	_, err = a.Query(context.Background(), "leads", adapter.QueryParams{})
	assert.ErrorIs(t, err, adapter.ErrNotConnected)
}

func TestQueryTranslation(t *testing.T) {
	f := &fakeServer{reply: `[{"id":"1","name":"Acme"}]`}
	a := newTestAdapter(t, f, "")

	recs, err := a.Query(context.Background(), "leads", adapter.QueryParams{
		Filters: []adapter.Filter{
			{Field: "age", Operator: adapter.OpGte, Value: 18},
			{Field: "age", Operator: adapter.OpLt, Value: 65},
			{Field: "name", Operator: adapter.OpLike, Value: "acme"},
			{Field: "tier", Operator: adapter.OpIn, Value: []any{"gold", "a,b"}},
			{Field: "deleted_at", Operator: adapter.OpIsNull},
		},
		Sort:    []adapter.Sort{{Field: "name"}, {Field: "age", Desc: true}},
		Limit:   10,
		Offset:  20,
		Columns: []string{"id", "name"},
	})
	require.NoError(t, err)
	assert.Equal(t, []adapter.Record{{"id": "1", "name": "Acme"}}, recs)

	req := f.last()
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/rest/v1/leads", req.path)
	assert.Equal(t, []string{"gte.18", "lt.65"}, req.query["age"])
	assert.Equal(t, "ilike.*acme*", req.query.Get("name"))
	assert.Equal(t, `in.(gold,"a,b")`, req.query.Get("tier"))
	assert.Equal(t, "is.null", req.query.Get("deleted_at"))
	assert.Equal(t, "name.asc,age.desc", req.query.Get("order"))
	assert.Equal(t, "10", req.query.Get("limit"))
	assert.Equal(t, "20", req.query.Get("offset"))
	assert.Equal(t, "id,name", req.query.Get("select"))
	assert.Equal(t, "anon-key", req.header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", req.header.Get("Authorization"))
}

func TestFilterValues(t *testing.T) {
	tests := []struct {
		filter adapter.Filter
		want   string
	}{
		{adapter.Filter{Field: "a", Operator: adapter.OpEq, Value: nil}, "is.null"},
		{adapter.Filter{Field: "a", Operator: adapter.OpNe, Value: "x"}, "neq.x"},
		{adapter.Filter{Field: "a", Operator: adapter.OpNotIn, Value: []string{"x", "y z"}}, `not.in.(x,"y z")`},
		{adapter.Filter{Field: "a", Operator: adapter.OpIsNotNull}, "not.is.null"},
		{adapter.Filter{Field: "a", Operator: adapter.OpLike, Value: "a_c"}, `ilike.*a\_c*`},
		{adapter.Filter{Field: "a", Operator: adapter.OpLike, Value: "100%"}, `ilike.*100\%*`},
		{adapter.Filter{Field: "a", Operator: adapter.OpLike, Value: "a*b.c"}, `imatch.a\*b\.c`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := filterValue(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := filterValue(adapter.Filter{Field: "a", Operator: adapter.OpIn, Value: 3})
	assert.ErrorIs(t, err, adapter.ErrInvalidQuery)
	_, err = buildQuery(adapter.QueryParams{Filters: []adapter.Filter{{Field: "a&b", Operator: adapter.OpEq, Value: 1}}})
	assert.ErrorIs(t, err, adapter.ErrInvalidQuery)
}

func TestWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("insert uses credential and representation", func(t *testing.T) {
		f := &fakeServer{status: http.StatusCreated, reply: `[{"id":"n1","name":"Acme"}]`}
		a := newTestAdapter(t, f, "user-jwt")

		rec, err := a.Insert(ctx, "leads", adapter.Record{"name": "Acme"})
		require.NoError(t, err)
		assert.Equal(t, "n1", rec["id"])

		req := f.last()
		assert.Equal(t, http.MethodPost, req.method)
		assert.Equal(t, "Bearer user-jwt", req.header.Get("Authorization"))
		assert.Equal(t, "anon-key", req.header.Get("apikey"))
		assert.Equal(t, "return=representation", req.header.Get("Prefer"))
		var body map[string]any
		require.NoError(t, json.Unmarshal(req.body, &body))
		assert.Equal(t, "Acme", body["name"])
	})

	t.Run("update of missing row is nil", func(t *testing.T) {
		f := &fakeServer{reply: `[]`}
		a := newTestAdapter(t, f, "")

		rec, err := a.Update(ctx, "leads", "missing", adapter.Record{"name": "x"})
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Equal(t, http.MethodPatch, f.last().method)
		assert.Equal(t, "eq.missing", f.last().query.Get("id"))
	})

	t.Run("upsert merges on conflict keys", func(t *testing.T) {
		f := &fakeServer{reply: `[{"id":"1","email":"a@b.co"}]`}
		a := newTestAdapter(t, f, "")

		_, err := a.Upsert(ctx, "leads", adapter.Record{"email": "a@b.co"}, []string{"email"})
		require.NoError(t, err)
		assert.Equal(t, "email", f.last().query.Get("on_conflict"))
		assert.Equal(t, "resolution=merge-duplicates,return=representation", f.last().header.Get("Prefer"))
	})

	t.Run("delete reports whether a row went away", func(t *testing.T) {
		f := &fakeServer{reply: `[{"id":"1"}]`}
		a := newTestAdapter(t, f, "")

		deleted, err := a.Delete(ctx, "leads", "1")
		require.NoError(t, err)
		assert.True(t, deleted)

		f.reply = `[]`
		deleted, err = a.Delete(ctx, "leads", "1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestCount(t *testing.T) {
	f := &fakeServer{headers: map[string]string{"Content-Range": "0-24/3573"}}
	a := newTestAdapter(t, f, "")

	n, err := a.Count(context.Background(), "leads", []adapter.Filter{{Field: "tier", Operator: adapter.OpEq, Value: "gold"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3573, n)
	assert.Equal(t, http.MethodHead, f.last().method)
	assert.Equal(t, "count=exact", f.last().header.Get("Prefer"))
	assert.Equal(t, "eq.gold", f.last().query.Get("tier"))

	_, err = parseContentRange("*/*")
	assert.Error(t, err)
	total, err := parseContentRange("*/0")
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

func TestExecuteRaw(t *testing.T) {
	f := &fakeServer{reply: `{"merged": 2}`}
	a := newTestAdapter(t, f, "")

	out, err := a.ExecuteRaw(context.Background(), "merge_leads", map[string]any{"keep": "1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"merged": float64(2)}, out)
	assert.Equal(t, "/rest/v1/rpc/merge_leads", f.last().path)
	assert.JSONEq(t, `{"keep":"1"}`, string(f.last().body))

	_, err = a.ExecuteRaw(context.Background(), "../admin")
	assert.ErrorIs(t, err, adapter.ErrInvalidQuery)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, adapter.ErrAuthenticationFailed)
			assert.True(t, adapter.IsPermissionError(err))
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, adapter.ErrPermissionDenied)
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var dbErr *adapter.DatabaseError
			require.ErrorAs(t, err, &dbErr)
			assert.Equal(t, "query", dbErr.Operation)
			assert.False(t, adapter.IsPermissionError(err))
		}},
		{"bad filter", http.StatusBadRequest, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, adapter.ErrInvalidQuery)
			assert.Contains(t, err.Error(), "column leads.nope does not exist")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServer{status: tt.status, reply: `{"code":"42703","message":"column leads.nope does not exist"}`}
			a := newTestAdapter(t, f, "")
			_, err := a.Query(context.Background(), "leads", adapter.QueryParams{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportFailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	a, err := NewAdapter(adapter.Config{Backend: adapter.REST, URL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))

	_, err = a.QueryOne(context.Background(), "leads", "1")
	assert.True(t, adapter.IsConnectionError(err))
}
