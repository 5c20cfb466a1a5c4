package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-importer/shared/logger"
)

func TestClient_Fetch(t *testing.T) {
	var gotAccept, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte("<rss></rss>"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second, UserAgent: "job-importer/test"}, logger.NewNop())

	body, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<rss></rss>", string(body))
	assert.Equal(t, acceptHeader, gotAccept)
	assert.Equal(t, "job-importer/test", gotAgent)
}

func TestClient_FetchErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		cfg        ClientConfig
		wantKind   FetchErrorKind
		wantStatus int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			cfg:        ClientConfig{Timeout: time.Second},
			wantKind:   FetchHTTPStatus,
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			cfg:        ClientConfig{Timeout: time.Second},
			wantKind:   FetchHTTPStatus,
			wantStatus: http.StatusNotFound,
		},
		{
			name: "slow server",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			cfg:      ClientConfig{Timeout: 50 * time.Millisecond},
			wantKind: FetchTimeout,
		},
		{
			name: "body too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Repeat("x", 64)))
			},
			cfg:      ClientConfig{Timeout: time.Second, MaxBodyBytes: 16},
			wantKind: FetchNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(tt.cfg, logger.NewNop())
			body, err := c.Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Nil(t, body)

			var fetchErr *FetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, tt.wantKind, fetchErr.Kind)
			assert.Equal(t, tt.wantStatus, fetchErr.StatusCode)
			assert.Equal(t, srv.URL, fetchErr.URL)
		})
	}
}

func TestClient_FetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{Timeout: time.Second}, logger.NewNop())
	_, err := c.Fetch(context.Background(), url)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, FetchNetwork, fetchErr.Kind)
	assert.Contains(t, err.Error(), "failed to fetch feed")
}

func TestClient_FetchContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	c := NewClient(ClientConfig{Timeout: 5 * time.Second}, logger.NewNop())
	_, err := c.Fetch(ctx, srv.URL)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, FetchTimeout, fetchErr.Kind)
}
