package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL, 2*time.Second), server
}

func TestFetchSuccess(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/vid-123", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"How to Go","author":"gopher","duration_seconds":300}`))
	})
	defer server.Close()

	meta, err := client.Fetch(context.Background(), "vid-123")
	require.NoError(t, err)
	assert.Equal(t, "How to Go", meta.Title)
	assert.Equal(t, "gopher", meta.Author)
	assert.Equal(t, 300, meta.DurationSeconds)
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  domain.ErrorClass
	}{
		{"404 is not found", http.StatusNotFound, domain.ErrorClassNotFound},
		{"410 is not found", http.StatusGone, domain.ErrorClassNotFound},
		{"403 is quota exceeded", http.StatusForbidden, domain.ErrorClassQuotaExceeded},
		{"429 is quota exceeded", http.StatusTooManyRequests, domain.ErrorClassQuotaExceeded},
		{"500 is transient", http.StatusInternalServerError, domain.ErrorClassTransient},
		{"503 is transient", http.StatusServiceUnavailable, domain.ErrorClassTransient},
		{"418 is invalid", http.StatusTeapot, domain.ErrorClassInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			defer server.Close()

			_, err := client.Fetch(context.Background(), "vid-1")
			require.Error(t, err)
			assert.Equal(t, tt.class, domain.ClassOf(err))
		})
	}
}

func TestFetchMalformedBodyIsInvalid(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":`))
	})
	defer server.Close()

	_, err := client.Fetch(context.Background(), "vid-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassInvalid, domain.ClassOf(err))
}

func TestFetchEmptyTitleIsInvalid(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"author":"gopher"}`))
	})
	defer server.Close()

	_, err := client.Fetch(context.Background(), "vid-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassInvalid, domain.ClassOf(err))
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()
	client.httpClient.Timeout = 50 * time.Millisecond

	_, err := client.Fetch(context.Background(), "vid-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)

	_, err := client.Fetch(context.Background(), "vid-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))
}

func TestFetchEscapesReference(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/a%2Fb", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"title":"t"}`))
	})
	defer server.Close()

	_, err := client.Fetch(context.Background(), "a/b")
	require.NoError(t, err)
}
