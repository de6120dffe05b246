package watchlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/darkfleet/fleetd/config"
)

func TestClientAuthHeaders(t *testing.T) {
	cases := []struct {
		authType string
		header   string
		want     string
	}{
		{"bearer", "Authorization", "Bearer secret"},
		{"apikey", "X-API-Key", "secret"},
		{"basic", "Authorization", "Basic secret"},
		{"none", "Authorization", ""},
	}

	for _, tt := range cases {
		t.Run(tt.authType, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
				w.Write([]byte("[]"))
			}))
			defer srv.Close()

			c := NewClient(config.WatchlistAPIConfig{
				BaseURL:         srv.URL,
				VesselsEndpoint: "/api/vessels",
				ListsEndpoint:   "/api/lists",
				Auth:            config.WatchlistAuthConfig{Type: tt.authType, Token: "secret"},
				Timeout:         2000,
				RetryAttempts:   1,
				RetryDelay:      10,
			})

			if _, err := c.FetchVessels(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %s header %q, got %q", tt.header, tt.want, got)
			}
		})
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"mmsi":"111","list_id":"L"}]`))
	}))
	defer srv.Close()

	c := clientFor(srv.URL)
	vessels, err := c.FetchVessels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vessels) != 1 {
		t.Errorf("expected 1 vessel after retry, got %d", len(vessels))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := clientFor(srv.URL)
	if _, err := c.FetchVessels(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestClientRejectsNonArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	c := clientFor(srv.URL)
	if _, err := c.FetchVessels(context.Background()); err == nil {
		t.Fatal("expected an error for a non-array response")
	}
}
