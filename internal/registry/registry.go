// Package registry tracks which live sessions observe which lots, and keeps
// a short-lived view of which offer lists are open for bidding.
//
// Subscriptions are in-memory only. Every operation is an idempotent set
// update; repeating a join or a leave is harmless.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/model"
)

// SessionID identifies one connected session.
type SessionID string

// Class is the subscription class of an observer.
type Class int

const (
	BuyerObserver Class = iota
	AdminObserver
)

func (c Class) String() string {
	if c == AdminObserver {
		return "admin"
	}
	return "buyer"
}

// DefaultLiveTTL bounds how stale a cached offer list status may be.
const DefaultLiveTTL = 2 * time.Second

// OfferListSource reads offer lists; satisfied by store.Store.
type OfferListSource interface {
	GetOfferList(ctx context.Context, id string) (*model.OfferList, error)
}

type liveEntry struct {
	live    bool
	expires time.Time
}

// Registry maps lots to their observers per class.
type Registry struct {
	mu sync.RWMutex
	// observers[class][lotID] is the set of sessions.
	observers [2]map[string]map[SessionID]struct{}
	// joined[session] is every lot the session joined, in either class.
	joined map[SessionID]map[string]struct{}

	source OfferListSource
	clock  clock.Clock
	ttl    time.Duration

	liveMu sync.Mutex
	live   map[string]liveEntry
}

// New creates a Registry. source may be nil when IsLive is not used.
func New(source OfferListSource, clk clock.Clock, ttl time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	return &Registry{
		observers: [2]map[string]map[SessionID]struct{}{
			make(map[string]map[SessionID]struct{}),
			make(map[string]map[SessionID]struct{}),
		},
		joined: make(map[SessionID]map[string]struct{}),
		source: source,
		clock:  clk,
		ttl:    ttl,
		live:   make(map[string]liveEntry),
	}
}

// Join subscribes session to each lot under class.
func (r *Registry) Join(session SessionID, class Class, lotIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lots, ok := r.joined[session]
	if !ok {
		lots = make(map[string]struct{})
		r.joined[session] = lots
	}
	byLot := r.observers[class]
	for _, id := range lotIDs {
		set, ok := byLot[id]
		if !ok {
			set = make(map[SessionID]struct{})
			byLot[id] = set
		}
		set[session] = struct{}{}
		lots[id] = struct{}{}
	}
}

// Leave removes session from each lot in both classes.
func (r *Registry) Leave(session SessionID, lotIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range lotIDs {
		r.leaveLocked(session, id)
	}
}

// Drop removes every subscription held by session.
func (r *Registry) Drop(session SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.joined[session] {
		r.leaveLocked(session, id)
	}
	delete(r.joined, session)
}

func (r *Registry) leaveLocked(session SessionID, lotID string) {
	for _, byLot := range r.observers {
		if set, ok := byLot[lotID]; ok {
			delete(set, session)
			if len(set) == 0 {
				delete(byLot, lotID)
			}
		}
	}
	if lots, ok := r.joined[session]; ok {
		delete(lots, lotID)
		if len(lots) == 0 {
			delete(r.joined, session)
		}
	}
}

// Observers returns a sorted snapshot of the sessions observing lotID under
// class. The snapshot is safe to iterate while the registry changes.
func (r *Registry) Observers(lotID string, class Class) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.observers[class][lotID]
	out := make([]SessionID, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sessions returns how many sessions hold at least one subscription.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}

// IsLive reports whether the offer list currently accepts bids, serving a
// cached answer for up to the configured TTL.
func (r *Registry) IsLive(ctx context.Context, offerListID string) (bool, error) {
	now := r.clock.Now()

	r.liveMu.Lock()
	e, ok := r.live[offerListID]
	r.liveMu.Unlock()
	if ok && now.Before(e.expires) {
		return e.live, nil
	}

	ol, err := r.source.GetOfferList(ctx, offerListID)
	if err != nil {
		return false, err
	}
	live := ol.Status == model.OfferListLive

	r.liveMu.Lock()
	r.live[offerListID] = liveEntry{live: live, expires: now.Add(r.ttl)}
	r.liveMu.Unlock()
	return live, nil
}

// Invalidate forgets the cached status of an offer list.
func (r *Registry) Invalidate(offerListID string) {
	r.liveMu.Lock()
	delete(r.live, offerListID)
	r.liveMu.Unlock()
}
