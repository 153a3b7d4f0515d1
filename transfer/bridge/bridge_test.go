package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/counselsync/transferd/transfer"
)

func newTestClient(t *testing.T, serverURL string, settings map[string]any) *Client {
	t.Helper()
	conf := config.New()
	conf.Set("Bridge.url", serverURL)
	conf.Set("Bridge.pairingPollInterval", "5ms")
	for key, value := range settings {
		conf.Set(key, value)
	}
	return NewClient(conf, logger.NOP, "tenant-1")
}

func TestClientRequiresPairing(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		expected bool
		wantErr  bool
	}{
		{name: "no session yet", status: http.StatusNotFound, expected: true},
		{name: "session not paired", status: http.StatusOK, body: `{"paired":false}`, expected: true},
		{name: "session paired", status: http.StatusOK, body: `{"paired":true}`, expected: false},
		{name: "bridge error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/v1/sessions/tenant-1", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			required, err := newTestClient(t, srv.URL, nil).RequiresPairing(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, required)
		})
	}
}

func TestClientAwaitPairing(t *testing.T) {
	t.Run("polls until the session is paired", func(t *testing.T) {
		var mu sync.Mutex
		pairingStarted := false
		polls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/tenant-1/pair":
				pairingStarted = true
				w.WriteHeader(http.StatusAccepted)
			case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions/tenant-1":
				polls++
				if polls < 3 {
					_, _ = w.Write([]byte(`{"paired":false}`))
					return
				}
				_, _ = w.Write([]byte(`{"paired":true}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		require.NoError(t, newTestClient(t, srv.URL, nil).AwaitPairing(context.Background()))
		mu.Lock()
		defer mu.Unlock()
		require.True(t, pairingStarted)
		require.GreaterOrEqual(t, polls, 3)
	})

	t.Run("a pairing flow already in progress is fine", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_, _ = w.Write([]byte(`{"paired":true}`))
		}))
		defer srv.Close()

		require.NoError(t, newTestClient(t, srv.URL, nil).AwaitPairing(context.Background()))
	})

	t.Run("gives up when the context expires", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_, _ = w.Write([]byte(`{"paired":false}`))
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := newTestClient(t, srv.URL, nil).AwaitPairing(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fails when pairing cannot be started", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := newTestClient(t, srv.URL, nil).AwaitPairing(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "starting pairing")
	})
}

func TestClientSubmit(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/sessions/tenant-1/records", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		require.NoError(t, newTestClient(t, srv.URL, nil).Submit(context.Background(), "record-1"))
	})

	t.Run("rejected record fails the item only", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"missing consent form"}`))
		}))
		defer srv.Close()

		err := newTestClient(t, srv.URL, nil).Submit(context.Background(), "record-1")
		require.Error(t, err)
		require.NotErrorIs(t, err, transfer.ErrChannelLost)
		require.Contains(t, err.Error(), "record rejected: missing consent form")
	})

	t.Run("gone session kills the channel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer srv.Close()

		err := newTestClient(t, srv.URL, nil).Submit(context.Background(), "record-1")
		require.ErrorIs(t, err, transfer.ErrChannelLost)
	})

	t.Run("a bridge outage fails the item without killing the channel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := newTestClient(t, srv.URL, nil).Submit(context.Background(), "record-1")
		require.Error(t, err)
		require.NotErrorIs(t, err, transfer.ErrChannelLost)
	})

	t.Run("repeated outages trip the breaker and lose the channel", func(t *testing.T) {
		var mu sync.Mutex
		requests := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			requests++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL, map[string]any{"Bridge.breakerConsecutiveFailures": 2})

		for i := 0; i < 2; i++ {
			err := client.Submit(context.Background(), "record-1")
			require.Error(t, err)
			require.NotErrorIs(t, err, transfer.ErrChannelLost)
		}

		err := client.Submit(context.Background(), "record-2")
		require.ErrorIs(t, err, transfer.ErrChannelLost)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 2, requests, "an open breaker must short-circuit before the bridge is called")
	})

	t.Run("transport failures count towards the breaker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client := newTestClient(t, srv.URL, map[string]any{"Bridge.breakerConsecutiveFailures": 2})
		srv.Close() // every request now fails at the transport level

		for i := 0; i < 2; i++ {
			err := client.Submit(context.Background(), "record-1")
			require.Error(t, err)
			require.NotErrorIs(t, err, transfer.ErrChannelLost)
		}
		err := client.Submit(context.Background(), "record-2")
		require.ErrorIs(t, err, transfer.ErrChannelLost)
	})
}
