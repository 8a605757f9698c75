package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"prpline/core"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}

// testClock is a deterministic time source. Every Now call advances the
// instant by a millisecond so consecutive transitions always carry strictly
// increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mustPromote applies one transition and fails the test on refusal.
func mustPromote(t *testing.T, engine *Engine, taskID string, ev core.Evidence, tt core.TransitionType, ts time.Time) *core.PromoteResult {
	t.Helper()
	res, err := engine.Promote(context.Background(), taskID, ev, tt, ts)
	if err != nil {
		t.Fatalf("Promote(%s, %s) failed: %v", taskID, tt, err)
	}
	return res
}

// locationsHolding returns the display name of every stage list currently
// containing the task id, in scan order.
func locationsHolding(t *testing.T, store *Store, taskID string) []string {
	t.Helper()
	ctx := context.Background()

	var found []string
	for _, stage := range core.AllStages {
		for _, loc := range []core.Location{core.Queue(stage), core.Inflight(stage)} {
			ids, err := store.Members(ctx, loc)
			if err != nil {
				t.Fatalf("Members failed: %v", err)
			}
			for _, id := range ids {
				if id == taskID {
					found = append(found, store.keys.ListName(store.keys.Location(loc)))
				}
			}
		}
	}
	return found
}

// snapshotDB captures the full contents of every key so a refusal test can
// prove the store did not change.
func snapshotDB(t *testing.T, client *redis.Client) map[string]interface{} {
	t.Helper()
	ctx := context.Background()

	keys, err := client.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}

	snap := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		kind, err := client.Type(ctx, key).Result()
		if err != nil {
			t.Fatalf("Type(%s) failed: %v", key, err)
		}
		switch kind {
		case "hash":
			fields, err := client.HGetAll(ctx, key).Result()
			if err != nil {
				t.Fatalf("HGetAll(%s) failed: %v", key, err)
			}
			snap[key] = fields
		case "list":
			items, err := client.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				t.Fatalf("LRange(%s) failed: %v", key, err)
			}
			snap[key] = items
		default:
			value, err := client.Get(ctx, key).Result()
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", key, err)
			}
			snap[key] = value
		}
	}
	return snap
}
