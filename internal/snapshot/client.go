package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dicecast/dicecast/internal/protocol"
)

// ErrFetchInFlight is returned when a current-round fetch is requested
// while another one is still outstanding. Callers treat it as a no-op:
// overlapping reconciliations must not race each other.
var ErrFetchInFlight = errors.New("snapshot: fetch already in flight")

// Client pulls full current-round state from the snapshot endpoint. It
// is used for catch-up only (channel open, manual reconnect, visibility
// regained), never on a fixed timer.
type Client struct {
	baseURL  string
	client   *http.Client
	inFlight atomic.Bool
}

// NewClient creates a snapshot client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchCurrentRound pulls the tagged current-round snapshot. At most one
// fetch is in flight; concurrent calls fail with ErrFetchInFlight.
func (c *Client) FetchCurrentRound(ctx context.Context) (*protocol.Snapshot, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrFetchInFlight
	}
	defer c.inFlight.Store(false)

	body, err := c.get(ctx, "/api/round/current")
	if err != nil {
		return nil, err
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	switch snap.State {
	case protocol.SnapshotScheduled, protocol.SnapshotStartedOrRevealed, protocol.SnapshotIdle:
	default:
		return nil, fmt.Errorf("unknown snapshot state: %q", snap.State)
	}
	return &snap, nil
}

// FetchServerTime pulls the time reference used for drift correction.
func (c *Client) FetchServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.get(ctx, "/api/time")
	if err != nil {
		return time.Time{}, err
	}
	var tr protocol.TimeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return time.Time{}, fmt.Errorf("decode time response: %w", err)
	}
	return protocol.FromMillis(tr.ServerNow), nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, nil
}
