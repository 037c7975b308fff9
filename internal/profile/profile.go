// Package profile resolves the partner display data shown when a run
// starts: name and configured max heart rate.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no profile exists for a participant.
var ErrNotFound = errors.New("profile not found")

// Profile is the subset of participant data used during a paired run.
type Profile struct {
	ParticipantID string   `json:"participant_id"`
	DisplayName   string   `json:"display_name"`
	MaxHeartRate  *float64 `json:"max_heart_rate,omitempty"`
}

// Lookup resolves participant profiles.
type Lookup interface {
	Lookup(ctx context.Context, participantID string) (Profile, error)
}

// Client fetches profiles from the profile service over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a Client against the profile service base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Lookup implements Lookup over HTTP.
func (c *Client) Lookup(ctx context.Context, participantID string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profiles/"+participantID, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("building profile request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile service returned %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile: %w", err)
	}
	return p, nil
}

// Static serves profiles from memory. The simulator and tests use it in
// place of the profile service.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStatic builds a Static preloaded with the given profiles.
func NewStatic(profiles ...Profile) *Static {
	s := &Static{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ParticipantID] = p
	}
	return s
}

// Add inserts or replaces a profile.
func (s *Static) Add(p Profile) {
	s.mu.Lock()
	s.profiles[p.ParticipantID] = p
	s.mu.Unlock()
}

// Lookup implements Lookup from memory.
func (s *Static) Lookup(_ context.Context, participantID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[participantID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
