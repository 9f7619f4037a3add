// Package roster looks up meeting membership and destination from the
// meeting API, and pushes movement status changes back to it. The live
// channel treats the meeting API as the source of truth for who belongs
// to a meeting and where it is headed.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotMember is returned by Verify when the token is valid but the
// user does not belong to the meeting.
var ErrNotMember = errors.New("roster: not a member of this meeting")

// ErrInvalidToken is returned by Verify when the token is rejected.
var ErrInvalidToken = errors.New("roster: invalid token")

// Participant is one member of a meeting.
type Participant struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	Organizer bool   `json:"organizer"`
}

// Detail is the meeting information the live channel needs: the
// destination and the membership list. The destination fields are
// pointers because a meeting may not have one yet; distance and arrival
// derivation is skipped until it does.
type Detail struct {
	MeetingID      string        `json:"meetingId"`
	DestinationLat *float64      `json:"destinationLat"`
	DestinationLng *float64      `json:"destinationLng"`
	MeetingAt      time.Time     `json:"meetingAt"`
	Participants   []Participant `json:"participants"`
}

// Destination returns the meeting's target coordinate, or ok=false when
// the meeting has no destination set.
func (d *Detail) Destination() (lat, lng float64, ok bool) {
	if d.DestinationLat == nil || d.DestinationLng == nil {
		return 0, 0, false
	}
	return *d.DestinationLat, *d.DestinationLng, true
}

// Member reports whether the participant appears in the roster.
func (d *Detail) Member(participantID string) bool {
	for _, p := range d.Participants {
		if p.ID == participantID {
			return true
		}
	}
	return false
}

// Directory is the meeting API surface the live channel depends on.
type Directory interface {
	// Detail fetches the meeting's destination and roster.
	Detail(ctx context.Context, meetingID string) (*Detail, error)

	// PatchStatus records a participant's movement status change.
	PatchStatus(ctx context.Context, meetingID, participantID, status string) error
}

// Client is an HTTP Directory backed by the meeting API.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

// NewClient creates a Directory client for the meeting API at baseURL.
// serviceKey authenticates this service to the API.
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		http:       &http.Client{Timeout: 5 * time.Second},
	}
}

// Detail implements Directory.
func (c *Client) Detail(ctx context.Context, meetingID string) (*Detail, error) {
	url := fmt.Sprintf("%s/internal/meetings/%s", c.baseURL, meetingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("roster: build request: %w", err)
	}
	req.Header.Set("X-Service-Key", c.serviceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster: detail %s: %w", meetingID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("roster: meeting %s not found", meetingID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster: detail %s: unexpected status %d", meetingID, resp.StatusCode)
	}

	var detail Detail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("roster: decode detail %s: %w", meetingID, err)
	}
	return &detail, nil
}

// Verify resolves a participant token against the meeting API. On
// success it returns the caller's per-meeting participant ID.
func (c *Client) Verify(ctx context.Context, token, meetingID string) (string, error) {
	url := fmt.Sprintf("%s/internal/meetings/%s/verify", c.baseURL, meetingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("roster: build request: %w", err)
	}
	req.Header.Set("X-Service-Key", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("roster: verify %s: %w", meetingID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return "", ErrNotMember
	case http.StatusUnauthorized:
		return "", ErrInvalidToken
	default:
		return "", fmt.Errorf("roster: verify %s: unexpected status %d", meetingID, resp.StatusCode)
	}

	var body struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("roster: decode verify %s: %w", meetingID, err)
	}
	if body.ParticipantID == "" {
		return "", fmt.Errorf("roster: verify %s: empty participant id", meetingID)
	}
	return body.ParticipantID, nil
}

// PatchStatus implements Directory.
func (c *Client) PatchStatus(ctx context.Context, meetingID, participantID, status string) error {
	body, err := json.Marshal(map[string]string{"movementStatus": status})
	if err != nil {
		return fmt.Errorf("roster: marshal status: %w", err)
	}

	url := fmt.Sprintf("%s/internal/meetings/%s/participants/%s/status", c.baseURL, meetingID, participantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("roster: build request: %w", err)
	}
	req.Header.Set("X-Service-Key", c.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roster: patch status %s/%s: %w", meetingID, participantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("roster: patch status %s/%s: unexpected status %d", meetingID, participantID, resp.StatusCode)
	}
	return nil
}
