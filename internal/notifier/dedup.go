package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

const (
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
	dedupWriteBuffer   = 1024
)

// dedupKey namespaces the caller's key by destination. Notifications without
// a key are never suppressed.
func dedupKey(n kit.Notification) string {
	if n.DedupKey == "" {
		return ""
	}
	h := fnv.New64a()
	for _, part := range []string{n.ChannelID, n.UserID, n.DedupKey} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// marks holds suppress-until times for keys sent in this process.
type marks struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func (m *marks) active(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[key]
	return ok && now.Before(until)
}

// set records key and evicts closed windows. When max > 0 and the map is
// still over capacity, the entries closest to expiry go first.
func (m *marks) set(key string, until, now time.Time, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.until == nil {
		m.until = map[string]time.Time{}
	}
	m.until[key] = until
	for k, u := range m.until {
		if !now.Before(u) {
			delete(m.until, k)
		}
	}
	if max <= 0 || len(m.until) <= max {
		return
	}
	keys := make([]string, 0, len(m.until))
	for k := range m.until {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return m.until[a].Compare(m.until[b]) })
	for _, k := range keys[:len(keys)-max] {
		delete(m.until, k)
	}
}

func (m *marks) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.until)
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupPolicy is the per-call snapshot of dedup settings taken under s.mu.
type dedupPolicy struct {
	window time.Duration
	max    int
	store  DedupStore // nil unless persistence is on
	writes chan<- dedupWrite
}

// admit reports whether a notification with key may be sent now, and opens
// a new window for it if so. The store is consulted only on a local miss so a
// restart does not resend inside a window opened by the previous process.
func (s *Service) admit(ctx context.Context, key string, p dedupPolicy) bool {
	now := time.Now()
	if s.marks.active(key, now) {
		return false
	}
	if p.store != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := p.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.marks.set(key, until, now, 0)
			return false
		}
	}

	until := now.Add(p.window)
	s.marks.set(key, until, now, p.max)
	if p.writes != nil {
		select {
		case p.writes <- dedupWrite{key: key, until: until}:
		default:
			s.log.Debug("dedup write buffer full", logx.String("key", key))
		}
	}
	return true
}

// persistLoop writes suppress-until marks to the store off the Notify path.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}
