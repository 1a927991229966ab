package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/codeharvest/internal/harvest"
)

// Source supplies run snapshots to the dashboard.
type Source interface {
	Fetch(ctx context.Context) (harvest.Snapshot, error)
	// Describe names the source for the header and error view.
	Describe() string
}

// TrackerSource reads snapshots from an in-process tracker.
type TrackerSource struct {
	Tracker *harvest.Tracker
}

// Fetch returns the tracker's current snapshot.
func (s TrackerSource) Fetch(context.Context) (harvest.Snapshot, error) {
	if s.Tracker == nil {
		return harvest.Snapshot{}, errors.New("no tracker")
	}
	return s.Tracker.Snapshot(), nil
}

// Describe implements Source.
func (TrackerSource) Describe() string { return "local run" }

// StatusClient polls the /status endpoint of a running status server.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a client for the server at baseURL.
func NewStatusClient(baseURL string) (*StatusClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid status server URL %q", baseURL)
	}
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Second},
	}, nil
}

// Describe implements Source.
func (c *StatusClient) Describe() string { return c.baseURL }

// Fetch requests the current snapshot.
func (c *StatusClient) Fetch(ctx context.Context) (harvest.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return harvest.Snapshot{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var snap harvest.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return snap, nil
}
