package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// KV is the local persistence the engine snapshots into.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const snapshotPrefix = "timer:"

func SnapshotKey(matchID string) string { return snapshotPrefix + matchID }

// Snapshot is what survives a restart.
type Snapshot struct {
	Running        bool      `json:"running"`
	ElapsedSeconds int       `json:"elapsedSeconds"`
	SavedAt        time.Time `json:"savedAt"`
}

// restored applies the wall-clock gap since the snapshot was saved. Paused
// snapshots are frozen and gain nothing.
func (s Snapshot) restored(now time.Time) int {
	if !s.Running {
		return s.ElapsedSeconds
	}
	gap := int(now.Sub(s.SavedAt) / time.Second)
	if gap < 0 {
		gap = 0
	}
	return s.ElapsedSeconds + gap
}

func loadSnapshot(ctx context.Context, kv KV, matchID string) (Snapshot, bool, error) {
	raw, ok, err := kv.Get(ctx, SnapshotKey(matchID))
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", matchID, err)
	}
	return s, true, nil
}

func saveSnapshot(ctx context.Context, kv KV, matchID string, s Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return kv.Set(ctx, SnapshotKey(matchID), string(raw))
}

// snapshotIDs lists match ids that have a stored snapshot.
func snapshotIDs(ctx context.Context, kv KV) ([]string, error) {
	keys, err := kv.Keys(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, snapshotPrefix))
	}
	return ids, nil
}
