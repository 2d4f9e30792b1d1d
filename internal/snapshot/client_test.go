package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicecast/dicecast/internal/protocol"
)

func snapshotServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/round/current" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchCurrentRoundScheduled(t *testing.T) {
	srv := snapshotServer(t, `{
		"state": "SCHEDULED",
		"startAt": 5000,
		"endAt": 8000,
		"totalMs": 10000,
		"remainingMs": 4000,
		"serverNow": 1000
	}`)

	snap, err := NewClient(srv.URL).FetchCurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.SnapshotScheduled, snap.State)
	assert.Equal(t, int64(5000), snap.StartAt)
	assert.Equal(t, int64(4000), snap.RemainingMs)
	assert.Nil(t, snap.Round)
}

func TestFetchCurrentRoundStartedOrRevealed(t *testing.T) {
	srv := snapshotServer(t, `{
		"state": "STARTED_OR_REVEALED",
		"round": {
			"id": "r-42",
			"startAt": 5000,
			"endAt": 8000,
			"diceValues": [2,2,3,4,5,6]
		},
		"lastOutcome": {"diceValues": [1,1,1,1,1,1], "roundId": "r-41"},
		"serverNow": 6000
	}`)

	snap, err := NewClient(srv.URL).FetchCurrentRound(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Round)
	assert.Equal(t, "r-42", snap.Round.ID)
	assert.Equal(t, []int{2, 2, 3, 4, 5, 6}, snap.Round.DiceValues)
	require.NotNil(t, snap.LastOutcome)
	assert.Equal(t, "r-41", snap.LastOutcome.RoundID)
}

func TestFetchCurrentRoundCancelledRoundKeepsEmptyDice(t *testing.T) {
	srv := snapshotServer(t, `{
		"state": "STARTED_OR_REVEALED",
		"round": {"id": "r-7", "startAt": 5000, "endAt": 8000, "diceValues": []},
		"serverNow": 6000
	}`)

	snap, err := NewClient(srv.URL).FetchCurrentRound(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Round)
	// nil means pending, empty means cancelled; the decoder must keep
	// the distinction.
	require.NotNil(t, snap.Round.DiceValues)
	assert.Len(t, snap.Round.DiceValues, 0)
}

func TestFetchCurrentRoundRejectsUnknownState(t *testing.T) {
	srv := snapshotServer(t, `{"state": "PAUSED", "serverNow": 1000}`)

	_, err := NewClient(srv.URL).FetchCurrentRound(context.Background())
	assert.ErrorContains(t, err, "unknown snapshot state")
}

func TestFetchCurrentRoundPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "round store unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).FetchCurrentRound(context.Background())
	assert.ErrorContains(t, err, "503")
}

func TestFetchCurrentRoundSingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		_, _ = w.Write([]byte(`{"state": "IDLE", "serverNow": 1000}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL)

	done := make(chan error, 1)
	go func() {
		_, err := client.FetchCurrentRound(context.Background())
		done <- err
	}()

	<-entered
	_, err := client.FetchCurrentRound(context.Background())
	assert.ErrorIs(t, err, ErrFetchInFlight)

	close(release)
	require.NoError(t, <-done)

	// Once the outstanding fetch finishes, new fetches go through again.
	_, err = client.FetchCurrentRound(context.Background())
	require.NoError(t, err)
}

func TestFetchServerTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/time", r.URL.Path)
		_, _ = w.Write([]byte(`{"serverNow": 123456}`))
	}))
	t.Cleanup(srv.Close)

	got, err := NewClient(srv.URL).FetchServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(123456), got)
}
