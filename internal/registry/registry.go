// Package registry owns the lifecycle of delivery destinations: the chats
// the engine is currently allowed to post into, plus the members it has
// observed there.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// Destination is one chat the engine may post into. Removed destinations are
// kept (never hard-deleted) so duplicate leave events stay idempotent and the
// history remains auditable.
type Destination struct {
	ID       int64
	Status   Status
	JoinedAt time.Time
}

// Member is an account the bot has observed in a destination. The platform
// exposes no member enumeration, so this view only ever contains accounts
// seen in updates.
type Member struct {
	UserID   int64
	Username string
	IsBot    bool
	SeenAt   time.Time
}

type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	dests   map[int64]*Destination
	members map[int64]map[int64]Member // chat -> user -> member
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		dests:   map[int64]*Destination{},
		members: map[int64]map[int64]Member{},
	}
}

// Add activates a destination. Adding an already-active destination is a
// no-op; re-adding a removed one reactivates it with a fresh join time.
func (r *Registry) Add(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dests[id]; ok {
		if d.Status == StatusActive {
			return
		}
		d.Status = StatusActive
		d.JoinedAt = time.Now()
		r.log.Info("destination reactivated", slog.Int64("chat_id", id))
		return
	}
	r.dests[id] = &Destination{ID: id, Status: StatusActive, JoinedAt: time.Now()}
	r.log.Info("destination added", slog.Int64("chat_id", id))
}

// Remove marks a destination removed. Unknown or already-removed
// destinations are a no-op (idempotent leave).
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dests[id]
	if !ok || d.Status == StatusRemoved {
		return
	}
	d.Status = StatusRemoved
	r.log.Info("destination removed", slog.Int64("chat_id", id))
}

// Active reports whether id is currently an active destination.
func (r *Registry) Active(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dests[id]
	return ok && d.Status == StatusActive
}

// ActiveDestinations returns a consistent point-in-time copy of the active
// set, sorted by ID. Callers own the slice.
func (r *Registry) ActiveDestinations() []Destination {
	r.mu.RLock()
	out := make([]Destination, 0, len(r.dests))
	for _, d := range r.dests {
		if d.Status == StatusActive {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ObserveJoin records a member seen joining a destination chat.
func (r *Registry) ObserveJoin(chatID, userID int64, username string, isBot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.members[chatID]
	if m == nil {
		m = map[int64]Member{}
		r.members[chatID] = m
	}
	m[userID] = Member{UserID: userID, Username: username, IsBot: isBot, SeenAt: time.Now()}
}

// ObserveLeave drops a member from the observed set. Unknown members are a
// no-op.
func (r *Registry) ObserveLeave(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.members[chatID]; m != nil {
		delete(m, userID)
	}
}

// ObservedMembers returns a copy of the members seen in a chat.
func (r *Registry) ObservedMembers(chatID int64) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.members[chatID]
	out := make([]Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ObservedBots returns the bot accounts seen in a chat.
func (r *Registry) ObservedBots(chatID int64) []Member {
	all := r.ObservedMembers(chatID)
	bots := all[:0]
	for _, m := range all {
		if m.IsBot {
			bots = append(bots, m)
		}
	}
	return bots
}
