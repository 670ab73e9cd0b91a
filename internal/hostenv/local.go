package hostenv

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Host: every "peer" is a goroutine in the same
// program, slots are a guarded map, and broadcast is Go channels. This is
// the Host used by the bulk of the test suite — in-process delivery gives
// bounded broadcast latency for free (spec.md testable property 5).
type Local struct {
	mu          sync.Mutex
	leaders     map[string]LeaderInfo
	heartbeats  map[string]map[string]time.Time
	subscribers map[string][]*localSub
	now         func() time.Time
}

// NewLocal constructs a fresh Local host. nowFn overrides time.Now for
// deterministic tests; pass nil to use the real clock.
func NewLocal(nowFn func() time.Time) *Local {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Local{
		leaders:     make(map[string]LeaderInfo),
		heartbeats:  make(map[string]map[string]time.Time),
		subscribers: make(map[string][]*localSub),
		now:         nowFn,
	}
}

func (h *Local) Now() time.Time { return h.now() }

func (h *Local) GetLeader(_ context.Context, db string) (LeaderInfo, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.leaders[db]
	return info, ok, nil
}

func (h *Local) ClaimLeader(_ context.Context, db string, info LeaderInfo, staleAfter time.Duration) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.leaders[db]
	if ok {
		lastBeat := h.heartbeats[db][current.InstanceID]
		if h.now().Sub(lastBeat) < staleAfter {
			return false, nil
		}
	}
	h.leaders[db] = info
	if h.heartbeats[db] == nil {
		h.heartbeats[db] = make(map[string]time.Time)
	}
	h.heartbeats[db][info.InstanceID] = h.now()
	return true, nil
}

func (h *Local) ReleaseLeader(_ context.Context, db, instanceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.leaders[db]; ok && current.InstanceID == instanceID {
		delete(h.leaders, db)
	}
	return nil
}

func (h *Local) Heartbeat(_ context.Context, db, instanceID string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.heartbeats[db] == nil {
		h.heartbeats[db] = make(map[string]time.Time)
	}
	h.heartbeats[db][instanceID] = at
	return nil
}

type localSub struct {
	ch     chan Message
	host   *Local
	db     string
	closed bool
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	subs := s.host.subscribers[s.db]
	for i, sub := range subs {
		if sub == s {
			s.host.subscribers[s.db] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (h *Local) Subscribe(_ context.Context, db string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &localSub{ch: make(chan Message, 64), host: h, db: db}
	h.subscribers[db] = append(h.subscribers[db], sub)
	return sub, nil
}

func (h *Local) Publish(_ context.Context, db string, msg Message) error {
	h.mu.Lock()
	subs := append([]*localSub(nil), h.subscribers[db]...)
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			// A slow subscriber drops a message rather than blocking the
			// publisher; change events invalidate whole-db state on the
			// next delivery anyway, so a dropped one is not lost ordering,
			// only lost latency.
		}
	}
	return nil
}

func (h *Local) Close() error { return nil }
