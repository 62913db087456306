package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/clarencecastillo/ntu-campusbot/internal/fanout"
	"github.com/clarencecastillo/ntu-campusbot/internal/i18n"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

const (
	callbackLocation = "location"
	callbackBus      = "bus"

	rule = "========================="
)

var aboutIcons = []string{"\U0001F4A9", "❤", "\U0001F340", "❓", "✌", "\U0001F525"}

func (b *Bot) start(ctx context.Context, req *Request) Result {
	if req.IsAdmin && req.Payload != "force" {
		mode, err := b.state.Mode(ctx)
		if err != nil {
			req.Log.Error("reading mode", "err", err)
			return Failed
		}
		b.reply(ctx, req, i18n.Tf(req.Lang, "admin_status", mode), nil)
		return OK
	}
	b.reply(ctx, req, i18n.T(req.Lang, "start"), &telegram.SendOptions{ParseMode: "HTML", DisableWebPagePreview: true})
	return b.subscribe(ctx, req)
}

func (b *Bot) help(ctx context.Context, req *Request) Result {
	b.reply(ctx, req, i18n.T(req.Lang, "help"), htmlOpts)
	return OK
}

func (b *Bot) about(ctx context.Context, req *Request) Result {
	authors := slices.Clone(Authors)
	rand.Shuffle(len(authors), func(i, j int) { authors[i], authors[j] = authors[j], authors[i] })
	icon := aboutIcons[rand.IntN(len(aboutIcons))]
	b.reply(ctx, req, i18n.Tf(req.Lang, "about", Version, icon, strings.Join(authors, "\n")), htmlOpts)
	return OK
}

func (b *Bot) peek(ctx context.Context, req *Request) Result {
	kb := &telegram.InlineKeyboardMarkup{}
	for _, l := range b.locations {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []telegram.InlineKeyboardButton{
			{Text: l.Name, CallbackData: callbackLocation + ":" + l.Name},
		})
	}
	b.reply(ctx, req, i18n.T(req.Lang, "peek"), &telegram.SendOptions{ReplyMarkup: kb})
	return OK
}

func (b *Bot) shuttle(ctx context.Context, req *Request) Result {
	services := b.shuttleServices()
	if len(services) == 0 {
		b.reply(ctx, req, i18n.T(req.Lang, "shuttle_unavailable"), nil)
		return OK
	}
	kb := &telegram.InlineKeyboardMarkup{}
	for _, s := range services {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []telegram.InlineKeyboardButton{
			{Text: s.Name, CallbackData: callbackBus + ":" + s.Name},
		})
	}
	b.reply(ctx, req, i18n.T(req.Lang, "shuttle"), &telegram.SendOptions{ReplyMarkup: kb})
	return OK
}

func (b *Bot) newsCmd(ctx context.Context, req *Request) Result {
	b.reply(ctx, req, i18n.T(req.Lang, "news_wait"), nil)
	if b.news == nil {
		return Failed
	}
	items, err := b.news(ctx, newsCount)
	if err != nil {
		req.Log.Error("fetching news", "err", err)
		return Failed
	}
	for _, item := range items {
		b.reply(ctx, req, item.HTML(), htmlOpts)
	}
	req.Log.Info("sent news items", "count", len(items))
	return OK
}

func (b *Bot) subscribe(ctx context.Context, req *Request) Result {
	name := req.Chat.DisplayName()
	added, err := b.state.AddSubscriber(ctx, store.Subscriber{ChatID: req.ChatID(), Name: name})
	if err != nil {
		req.Log.Error("adding subscriber", "err", err)
		return Failed
	}
	if !added {
		b.reply(ctx, req, i18n.T(req.Lang, "already_subscribed"), nil)
		return OK
	}
	req.Log.Info("new subscriber", "name", name)
	b.reply(ctx, req, i18n.T(req.Lang, "subscribed"), nil)
	return OK
}

func (b *Bot) unsubscribe(ctx context.Context, req *Request) Result {
	removed, ok, err := b.state.RemoveSubscriber(ctx, req.ChatID())
	if err != nil {
		req.Log.Error("removing subscriber", "err", err)
		return Failed
	}
	if !ok {
		b.reply(ctx, req, i18n.T(req.Lang, "not_subscribed"), nil)
		return OK
	}
	req.Log.Info("removed subscriber", "name", removed.Name)
	b.reply(ctx, req, i18n.T(req.Lang, "unsubscribed"), nil)
	return OK
}

func (b *Bot) broadcast(ctx context.Context, req *Request) Result {
	if req.Payload == "" {
		return BadInput
	}
	r := b.fanout.Broadcast(ctx, fanout.Message{Text: req.Payload}, nil)
	req.Log.Info("broadcast", "recipients", r.Recipients, "sent", r.Sent, "failed", r.Failed)
	b.reply(ctx, req, i18n.Tf(req.Lang, "broadcast_report", r.Sent, r.Recipients), nil)
	return OK
}

func (b *Bot) stats(ctx context.Context, req *Request) Result {
	stats, err := b.state.Stats(ctx)
	if err != nil {
		req.Log.Error("reading stats", "err", err)
		return Failed
	}
	b.reply(ctx, req, FormatStats(stats, i18n.T(req.Lang, "stats_header")), nil)
	return OK
}

// FormatStats renders counters sorted by name under header.
func FormatStats(stats map[string]int64, header string) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	sb.WriteString(header + "\n" + rule + "\n\n")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %d", k, stats[k])
	}
	return sb.String()
}

func (b *Bot) subscribers(ctx context.Context, req *Request) Result {
	subs, err := b.state.Subscribers(ctx)
	if err != nil {
		req.Log.Error("reading subscribers", "err", err)
		return Failed
	}
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = s.Name
	}
	msg := i18n.T(req.Lang, "subscribers_header") + "\n" + rule + "\n\n" + strings.Join(names, "\n")
	b.reply(ctx, req, msg, nil)
	return OK
}

func (b *Bot) maintenance(ctx context.Context, req *Request) Result {
	var (
		next store.Mode
		err  error
	)
	switch strings.ToLower(req.Payload) {
	case "on":
		next = store.ModeMaintenance
		err = b.state.SetMode(ctx, next)
	case "off":
		next = store.ModeRunning
		err = b.state.SetMode(ctx, next)
	case "":
		next, err = b.state.ToggleMode(ctx)
	default:
		return BadInput
	}
	if err != nil {
		req.Log.Error("setting mode", "err", err)
		return Failed
	}
	req.Log.Info("mode changed", "mode", next)
	state := "off"
	if next == store.ModeMaintenance {
		state = "on"
	}
	b.reply(ctx, req, i18n.Tf(req.Lang, "maintenance_mode", state), nil)
	return OK
}
