package dispatch

import (
	"sync"
	"time"
)

// replayCache tracks (client, nonce) pairs seen within the replay
// window. Entries are evicted lazily on Seen and in bulk by Evict, so
// the table stays bounded under sustained load.
type replayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]int64 // client+"\x00"+nonce -> unix seconds first seen
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{window: window, seen: make(map[string]int64)}
}

func (rc *replayCache) key(client, nonce string) string {
	return client + "\x00" + nonce
}

// Seen reports whether (client, nonce) was already recorded within the
// window, recording it if not. The check and the record are one critical
// section so two concurrent submissions with the same nonce can't both
// pass.
func (rc *replayCache) Seen(client, nonce string, nowUnix int64) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	k := rc.key(client, nonce)
	if at, ok := rc.seen[k]; ok {
		if nowUnix-at < int64(rc.window/time.Second) {
			return true
		}
		// The old sighting aged out of the window; treat as fresh.
	}
	rc.seen[k] = nowUnix
	return false
}

// Forget releases a recorded (client, nonce), used when the submission
// it belonged to failed after the replay check (e.g. the reservation was
// declined) so the client can retry the identical request.
func (rc *replayCache) Forget(client, nonce string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.seen, rc.key(client, nonce))
}

// Evict drops every entry older than the window, as of nowUnix.
func (rc *replayCache) Evict(nowUnix int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	cutoff := nowUnix - int64(rc.window/time.Second)
	for k, at := range rc.seen {
		if at < cutoff {
			delete(rc.seen, k)
		}
	}
}
