// Package commands consumes gateway updates: it routes membership events to
// the destination registry, engagement callbacks to the click tracker, and
// slash commands to their handlers.
package commands

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/engagement"
	"heraldbot/internal/registry"
	kit "heraldbot/internal/transport"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin allows chat admins/creators and configured owners.
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Args         []string

	Adapter kit.Adapter
	Log     *slog.Logger
}

// Router is the update consumer. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	log     *slog.Logger
	adapter kit.Adapter
	reg     *registry.Registry
	eng     *engagement.Tracker

	jobs chan func()
}

func NewRouter(log *slog.Logger, adapter kit.Adapter, reg *registry.Registry, eng *engagement.Tracker, owners []int64) *Router {
	return &Router{
		cmds:    map[string]Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		reg:     reg,
		eng:     eng,
		jobs:    make(chan func(), 256),
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = c
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// Run consumes updates until ctx is done or the channel closes. Handlers run
// on a small bounded worker pool so one slow command cannot block membership
// bookkeeping.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in command worker", slog.Int("worker", idx), slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("update router stopped")
	}()

	r.log.Info("update router started", slog.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMember:
		// Membership bookkeeping is cheap and ordered; do it inline.
		r.handleMember(up.Member)
	case kit.UpdateCallback:
		r.enqueue(func() { r.handleCallback(ctx, up.Callback) })
	case kit.UpdateMessage:
		r.enqueue(func() { r.handleMessage(ctx, up.Message) })
	}
}

func (r *Router) enqueue(job func()) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("update dropped, handler queue full")
	}
}

func (r *Router) handleMember(ev *kit.MemberEvent) {
	if ev == nil {
		return
	}
	switch ev.Kind {
	case kit.BotJoined:
		r.reg.Add(ev.ChatID)
	case kit.BotLeft:
		r.reg.Remove(ev.ChatID)
	case kit.UserJoined:
		r.reg.ObserveJoin(ev.ChatID, ev.UserID, ev.Username, ev.IsBot)
	case kit.UserLeft:
		r.reg.ObserveLeave(ev.ChatID, ev.UserID)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	if cb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if id, ok := strings.CutPrefix(cb.Data, "eng:"); ok {
		counted := r.eng.RecordClick(ctx, cb.FromID, id)
		text := "Thanks, noted! 👀"
		if !counted {
			text = "Already noted 👍"
		}
		// Ack regardless so the client stops its spinner.
		if err := r.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
			r.log.Debug("callback ack failed", slog.String("id", cb.ID), slog.Any("err", err))
		}
		return
	}

	r.log.Debug("unknown callback payload", slog.String("data", cb.Data))
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
}

func (r *Router) handleMessage(ctx context.Context, msg *kit.Message) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	r.mu.RLock()
	cmd, ok := r.cmds[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req := &Request{
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Args:         parts[1:],
		Adapter:      r.adapter,
		Log:          r.log,
	}

	if cmd.Access == AccessAdmin && !r.allowed(ctx, msg) {
		_, _ = r.adapter.SendText(ctx, req.Chat, "This command is for group admins.", nil)
		return
	}

	if err := cmd.Handle(ctx, req); err != nil {
		r.log.Warn("command failed", slog.String("command", cmd.Name), slog.Int64("from", msg.FromID), slog.Any("err", err))
		_, _ = r.adapter.SendText(ctx, req.Chat, "Something went wrong, try again later.", nil)
	}
}

// allowed reports whether the sender may run admin commands: configured
// owners always can, chat admins and the creator can within their chat.
func (r *Router) allowed(ctx context.Context, msg *kit.Message) bool {
	r.mu.RLock()
	owners := r.owners
	r.mu.RUnlock()
	for _, id := range owners {
		if id == msg.FromID {
			return true
		}
	}
	if !msg.IsGroup {
		return false
	}
	role, err := r.adapter.ChatMemberOf(ctx, msg.ChatID, msg.FromID)
	if err != nil {
		r.log.Debug("member role lookup failed", slog.Int64("chat", msg.ChatID), slog.Int64("user", msg.FromID), slog.Any("err", err))
		return false
	}
	return role == kit.RoleAdmin || role == kit.RoleCreator
}
