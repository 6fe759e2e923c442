package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"heraldbot/internal/catalog"
	"heraldbot/internal/dispatch"
	"heraldbot/internal/engagement"
	"heraldbot/internal/registry"
	"heraldbot/internal/trigger"
	kit "heraldbot/internal/transport"
)

// Services are the engine handles the builtin commands operate on.
type Services struct {
	Trigger    *trigger.Service
	Dispatch   *dispatch.Service
	Engagement *engagement.Tracker
	Registry   *registry.Registry

	// SelfID is the bot's own account id, excluded from /clean_bots.
	SelfID int64
}

// Builtin returns the engine's command set.
func Builtin(s *Services) []Command {
	return []Command{
		{
			Name:        "start",
			Description: "introduce the bot",
			Usage:       "/start",
			Access:      AccessEveryone,
			Handle:      handleStart,
		},
		{
			Name:        "help",
			Description: "show available commands",
			Usage:       "/help",
			Access:      AccessEveryone,
			Handle:      handleHelp(s),
		},
		{
			Name:        "stats",
			Description: "delivery and engagement counters",
			Usage:       "/stats",
			Access:      AccessAdmin,
			Handle:      handleStats(s),
		},
		{
			Name:        "history",
			Description: "recent deliveries",
			Usage:       "/history [n]",
			Access:      AccessAdmin,
			Handle:      handleHistory(s),
		},
		{
			Name:        "schedule",
			Description: "configured delivery rules",
			Usage:       "/schedule",
			Access:      AccessAdmin,
			Handle:      handleSchedule(s),
		},
		{
			Name:        "pause",
			Description: "pause scheduled deliveries",
			Usage:       "/pause",
			Access:      AccessAdmin,
			Handle: func(ctx context.Context, req *Request) error {
				s.Trigger.Pause()
				_, err := req.Adapter.SendText(ctx, req.Chat, "Scheduling paused.", nil)
				return err
			},
		},
		{
			Name:        "resume",
			Description: "resume scheduled deliveries",
			Usage:       "/resume",
			Access:      AccessAdmin,
			Handle: func(ctx context.Context, req *Request) error {
				s.Trigger.Resume()
				_, err := req.Adapter.SendText(ctx, req.Chat, "Scheduling resumed.", nil)
				return err
			},
		},
		{
			Name:        "clean_bots",
			Description: "ban bot accounts seen joining this chat",
			Usage:       "/clean_bots",
			Access:      AccessAdmin,
			Handle:      handleCleanBots(s),
		},
		{
			Name:        "check_inactive",
			Description: "report members with no observed activity",
			Usage:       "/check_inactive [days]",
			Access:      AccessAdmin,
			Handle:      handleCheckInactive(s),
		},
	}
}

func handleStart(ctx context.Context, req *Request) error {
	const text = "Hey! I deliver scheduled greetings and updates to this group.\n" +
		"Use /help to see what I can do."
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func handleHelp(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		cmds := Builtin(s)
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
		var b strings.Builder
		b.WriteString("Commands:\n")
		for _, c := range cmds {
			b.WriteString(fmt.Sprintf("%s — %s", c.Usage, c.Description))
			if c.Access == AccessAdmin {
				b.WriteString(" (admin)")
			}
			b.WriteString("\n")
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{DisablePreview: true})
		return err
	}
}

func handleStats(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		d := s.Dispatch.Stats()
		e := s.Engagement.Stats()
		dests := s.Registry.ActiveDestinations()

		var b strings.Builder
		fmt.Fprintf(&b, "Destinations: %d active\n", len(dests))
		fmt.Fprintf(&b, "Deliveries: %d total (%d sent, %d failed)\n", d.Total, d.Sent, d.Failed)
		fmt.Fprintf(&b, "Clicks: %d", e.Total)
		if e.Unknown > 0 {
			fmt.Fprintf(&b, " (+%d on expired deliveries)", e.Unknown)
		}
		b.WriteString("\n")
		if len(e.ByCategory) > 0 {
			cats := make([]string, 0, len(e.ByCategory))
			for c := range e.ByCategory {
				cats = append(cats, string(c))
			}
			sort.Strings(cats)
			for _, c := range cats {
				fmt.Fprintf(&b, "  %s: %d\n", c, e.ByCategory[catalog.Category(c)])
			}
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, b.String(), nil)
		return err
	}
}

func handleHistory(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		n := 10
		if len(req.Args) > 0 {
			if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 && v <= 50 {
				n = v
			}
		}
		recs := s.Dispatch.History(n)
		if len(recs) == 0 {
			_, err := req.Adapter.SendText(ctx, req.Chat, "No deliveries yet.", nil)
			return err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Last %d deliveries:\n", len(recs))
		for _, r := range recs {
			line := fmt.Sprintf("%s %s → %d: %s", r.SentAt.Format("01-02 15:04"), r.ContentRef, r.DestinationID, r.Outcome)
			if r.Outcome == dispatch.OutcomeFailed && r.Reason != "" {
				line += " (" + r.Reason + ")"
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, b.String(), nil)
		return err
	}
}

func handleSchedule(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		infos := s.Trigger.Snapshot()
		if len(infos) == 0 {
			_, err := req.Adapter.SendText(ctx, req.Chat, "No rules configured.", nil)
			return err
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Next.Before(infos[j].Next) })
		var b strings.Builder
		b.WriteString("Delivery rules:\n")
		for _, in := range infos {
			kind := "fixed"
			if in.OneShot {
				kind = "one-shot"
			}
			fmt.Fprintf(&b, "  %s (%s %s/%s) next %s\n",
				in.Name, kind, in.Category, in.SlotKey, in.Next.Format("Mon 15:04"))
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, b.String(), nil)
		return err
	}
}

func handleCleanBots(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		bots := s.Registry.ObservedBots(req.Chat.ChatID)
		banned, failed := 0, 0
		for _, m := range bots {
			if m.UserID == s.SelfID {
				continue
			}
			if err := req.Adapter.BanMember(ctx, req.Chat.ChatID, m.UserID); err != nil {
				req.Log.Warn("ban failed", "chat", req.Chat.ChatID, "user", m.UserID, "error", err)
				failed++
				continue
			}
			banned++
		}
		text := fmt.Sprintf("Removed %d bot account(s).", banned)
		if failed > 0 {
			text += fmt.Sprintf(" %d could not be removed (missing rights?).", failed)
		}
		if banned == 0 && failed == 0 {
			text = "No bot accounts observed since I joined."
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
		return err
	}
}

// handleCheckInactive can only report on activity observed while running;
// the platform does not expose per-member last-seen timestamps to bots.
func handleCheckInactive(s *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		days := 30
		if len(req.Args) > 0 {
			if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 {
				days = v
			}
		}
		members := s.Registry.ObservedMembers(req.Chat.ChatID)
		text := fmt.Sprintf(
			"I can only see activity since I joined: %d member(s) observed so far.\n"+
				"Per-member last-seen data for the full %d-day window isn't available to bots.",
			len(members), days)
		_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
		return err
	}
}
