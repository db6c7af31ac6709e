package allocator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/allocator"
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidate() *domain.MatchCandidate {
	return &domain.MatchCandidate{
		ID:    "cand123",
		Shard: domain.Shard{QueueType: domain.QueueRankedSolo, Region: "na"},
	}
}

func TestLocal_CapacityAndRelease(t *testing.T) {
	ctx := context.Background()
	local := allocator.NewLocal(1)

	alloc, err := local.Allocate(ctx, testCandidate(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, alloc.SessionServerID)
	require.NotNil(t, alloc.VoiceLobbyID)
	assert.Equal(t, 1, local.InUse())

	_, err = local.Allocate(ctx, testCandidate(), false)
	assert.True(t, domain.IsInfrastructure(err))
	assert.ErrorIs(t, err, allocator.ErrNoServers)

	require.NoError(t, local.Release(ctx, alloc.SessionServerID))
	assert.Zero(t, local.InUse())

	alloc, err = local.Allocate(ctx, testCandidate(), false)
	require.NoError(t, err)
	assert.Nil(t, alloc.VoiceLobbyID)
}

func TestLocal_FailNext(t *testing.T) {
	local := allocator.NewLocal(0)
	local.FailNext(2)

	for i := 0; i < 2; i++ {
		_, err := local.Allocate(context.Background(), testCandidate(), false)
		assert.Error(t, err)
	}
	_, err := local.Allocate(context.Background(), testCandidate(), false)
	assert.NoError(t, err)
}

func TestHTTPClient(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["region"] {
		case "na":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(allocator.Allocation{SessionServerID: "gs-1"})
		case "euw":
			http.Error(w, "unknown region", http.StatusBadRequest)
		default:
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := allocator.NewHTTPClient(srv.URL, time.Second)
	ctx := context.Background()

	alloc, err := client.Allocate(ctx, testCandidate(), false)
	require.NoError(t, err)
	assert.Equal(t, "gs-1", alloc.SessionServerID)

	rejected := testCandidate()
	rejected.Shard.Region = "euw"
	_, err = client.Allocate(ctx, rejected, false)
	assert.True(t, domain.IsInfrastructure(err))
	assert.ErrorIs(t, err, allocator.ErrRejected)

	overloaded := testCandidate()
	overloaded.Shard.Region = "kr"
	_, err = client.Allocate(ctx, overloaded, false)
	assert.True(t, domain.IsInfrastructure(err))
	assert.NotErrorIs(t, err, allocator.ErrRejected)

	assert.NoError(t, client.Release(ctx, "gs-1"))
	assert.NoError(t, client.Release(ctx, "gone"))
}
