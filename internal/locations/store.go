// Package locations caches the latest known position of every
// participant in a meeting. It is the source of the initial snapshot
// delivered on connect and of the disconnect-time status decision.
package locations

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-meeting position hashes.
	KeyPrefix = "live:loc:"

	// TTL bounds how long a meeting's positions survive without any
	// report. Refreshed on every write.
	TTL = 1 * time.Hour
)

// Record is one participant's latest known position.
type Record struct {
	ParticipantID  string  `json:"participantId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	MovementStatus string  `json:"movementStatus"`
	Arrived        bool    `json:"arrived"`
	ReportedAt     int64   `json:"reportedAt"`
}

// Store manages latest-position records in Redis, one hash per meeting
// keyed by participant ID.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store backed by the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// SaveLatest overwrites the participant's latest position for the
// meeting and refreshes the hash TTL.
func (s *Store) SaveLatest(ctx context.Context, meetingID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("locations: marshal record: %w", err)
	}

	key := KeyPrefix + meetingID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, rec.ParticipantID, data)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("locations: save %s/%s: %w", meetingID, rec.ParticipantID, err)
	}
	return nil
}

// Latest returns the participant's latest position, or nil if none is
// cached.
func (s *Store) Latest(ctx context.Context, meetingID, participantID string) (*Record, error) {
	data, err := s.client.HGet(ctx, KeyPrefix+meetingID, participantID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locations: get %s/%s: %w", meetingID, participantID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("locations: decode %s/%s: %w", meetingID, participantID, err)
	}
	return &rec, nil
}

// AllByMeeting returns every cached position for the meeting, ordered
// by participant ID so snapshot delivery is deterministic. Entries that
// fail to decode are skipped.
func (s *Store) AllByMeeting(ctx context.Context, meetingID string) ([]Record, error) {
	entries, err := s.client.HGetAll(ctx, KeyPrefix+meetingID).Result()
	if err != nil {
		return nil, fmt.Errorf("locations: all %s: %w", meetingID, err)
	}

	records := make([]Record, 0, len(entries))
	for _, data := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ParticipantID < records[j].ParticipantID
	})
	return records, nil
}

// Remove deletes the participant's cached position.
func (s *Store) Remove(ctx context.Context, meetingID, participantID string) error {
	if err := s.client.HDel(ctx, KeyPrefix+meetingID, participantID).Err(); err != nil {
		return fmt.Errorf("locations: remove %s/%s: %w", meetingID, participantID, err)
	}
	return nil
}

// Clear deletes the whole meeting hash.
func (s *Store) Clear(ctx context.Context, meetingID string) error {
	if err := s.client.Del(ctx, KeyPrefix+meetingID).Err(); err != nil {
		return fmt.Errorf("locations: clear %s: %w", meetingID, err)
	}
	return nil
}
