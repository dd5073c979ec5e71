package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	schederrors "github.com/maxthelion/octopoid/internal/errors"
)

func TestClaimReturnsTaskOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/claim", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"available": true,
			"task": map[string]any{
				"id":      "t1",
				"state":   "claimed",
				"prompt":  "add docstring to foo",
				"version": 2,
			},
		})
	}))
	defer srv.Close()

	s := New(srv.URL)
	got, err := s.Claim(context.Background(), "orch-1", ClaimFilter{Blueprint: "impl-1", FromState: "incoming"}, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, 2, got.Version)
}

func TestClaimReturnsNotAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"available": false})
	}))
	defer srv.Close()

	s := New(srv.URL)
	_, err := s.Claim(context.Background(), "orch-1", ClaimFilter{}, time.Minute)
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestUpdateConflictIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version mismatch"}`))
	}))
	defer srv.Close()

	s := New(srv.URL)
	_, err := s.Update(context.Background(), "t1", 1, map[string]any{"state": "done"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)
	var permanent *schederrors.PermanentError
	require.ErrorAs(t, err, &permanent)
}

func TestPollCachesFetchedAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/scheduler/poll", r.URL.Path)
		require.Equal(t, "orch-1", r.URL.Query().Get("orchestrator_id"))
		_ = json.NewEncoder(w).Encode(PollSummary{Registered: true})
	}))
	defer srv.Close()

	s := New(srv.URL)
	summary, err := s.Poll(context.Background(), "orch-1")
	require.NoError(t, err)
	require.True(t, summary.Registered)
	require.False(t, summary.FetchedAt.IsZero())
}

func TestCachedMergeableRoundTrips(t *testing.T) {
	s := New("http://unused.invalid")
	_, ok := s.CachedMergeable("pr-88")
	require.False(t, ok)

	s.SetCachedMergeable("pr-88", false)
	mergeable, ok := s.CachedMergeable("pr-88")
	require.True(t, ok)
	require.False(t, mergeable)
}
