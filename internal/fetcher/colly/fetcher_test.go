package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
)

func serve(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchClassifiesResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantCode    crawler.StatusCode
		wantMeta    string
	}{
		{"json ok", http.StatusOK, "application/json", "{\n  \"name\": \"x\",\n  \"a\": 1\n}", 200, `{"name":"x","a":1}`},
		{"json with charset", http.StatusOK, "application/json; charset=utf-8", `[1,2]`, 200, `[1,2]`},
		{"vendor json", http.StatusOK, "application/vnd.api+json", `{"k":true}`, 200, `{"k":true}`},
		{"404 json passes status through", http.StatusNotFound, "application/json", `{"msg":"gone"}`, 404, `{"msg":"gone"}`},
		{"html is not json", http.StatusOK, "text/html", "<html></html>", crawler.StatusNoJSON, `{"error":"result is no json"}`},
		{"missing content type", http.StatusOK, "", `{"a":1}`, crawler.StatusNoJSON, `{"error":"result is no json"}`},
		{"broken json", http.StatusOK, "application/json", `{"a":`, crawler.StatusNotParsable, `{"error":"result is not parsable"}`},
		{"empty json body", http.StatusOK, "application/json", "", 200, "null"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serve(t, tt.status, tt.contentType, tt.body)
			f := New(Config{Timeout: 5 * time.Second}, nil, nil)

			out, err := f.Fetch(context.Background(), srv.URL+"/meta/1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, out.Code)
			assert.Equal(t, tt.wantMeta, out.Metadata)
		})
	}
}

func TestFetchSendsBrowserHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent/1.0"}, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	h := <-got
	assert.Equal(t, "test-agent/1.0", h.Get("User-Agent"))
	assert.Equal(t, DefaultAccept, h.Get("Accept"))
}

func TestFetchInvalidURI(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	for _, uri := range []string{
		"",
		"not a uri",
		"ftp://example.com/file.json",
		"https://",
		"https://exa mple.com/1",
		" https://example.com/1",
		"https://example.com/\x01",
		"https://example.com/\x7f",
	} {
		out, err := f.Fetch(context.Background(), uri)
		require.NoError(t, err, uri)
		assert.Equal(t, crawler.StatusInvalidURI, out.Code, uri)
		assert.JSONEq(t, `{"error":"invalid URI"}`, out.Metadata, uri)
	}
}

func TestFetchURIWithSpaceInPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/my token.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "spaced"}`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, nil, nil)
	out, err := f.Fetch(context.Background(), srv.URL+"/my token.json")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusCode(http.StatusOK), out.Code)
	assert.Equal(t, `{"name":"spaced"}`, out.Metadata)
}

func TestFetchConnectionRefusedIsServiceNotFound(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := New(Config{Timeout: 2 * time.Second}, nil, nil)
	out, err := f.Fetch(context.Background(), "http://"+addr+"/1.json")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusServiceNotFound, out.Code)
	assert.JSONEq(t, `{"error":"service not found"}`, out.Metadata)
}

func TestFetchUnresolvableHostIsServiceNotFound(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: 5 * time.Second}, nil, nil)
	out, err := f.Fetch(context.Background(), "http://metadata.host.invalid/1.json")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusServiceNotFound, out.Code)
}

func TestFetchTimeoutIsNoResponse(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{Timeout: 50 * time.Millisecond}, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestFetchContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second}, nil, nil)
	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchCancelAbortsRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	f := New(Config{Timeout: 30 * time.Second}, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, srv.URL)
		done <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("request kept running after the context was canceled")
	}
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", MaxBodyBytes: 1024}, nil, nil)
	collector := f.buildCollector()
	assert.Equal(t, "coverage-agent", collector.UserAgent)
	assert.True(t, collector.AllowURLRevisit)
	assert.True(t, collector.ParseHTTPErrorResponse)
	assert.Equal(t, 1024, collector.MaxBodySize)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Accept: "application/json"}, nil, nil)
	var result *page
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "application/json", collyReq.Headers.Get("Accept"))
	assert.Equal(t, DefaultUserAgent, collyReq.Headers.Get("User-Agent"))

	body := []byte(`{"a":1}`)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       body,
		Headers:    &http.Header{"Content-Type": {"application/json"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.NotNil(t, result)
	assert.Equal(t, http.StatusCreated, result.status)
	assert.Equal(t, "application/json", result.contentType)
	body[0] = 'X'
	assert.Equal(t, `{"a":1}`, string(result.body), "body must be copied")

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, fetchErr, "boom")
}

func TestIsConnectError(t *testing.T) {
	t.Parallel()

	assert.True(t, isConnectError(&url.Error{Op: "Get", URL: "http://x", Err: &net.DNSError{Err: "no such host", Name: "x"}}))
	assert.True(t, isConnectError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}))
	assert.False(t, isConnectError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")}))
	assert.False(t, isConnectError(context.DeadlineExceeded))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
