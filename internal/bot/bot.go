// Package bot turns Telegram updates into replies: it parses commands,
// applies the admin and maintenance rules, runs the command handlers and
// relays feed posts to subscribers.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/clarencecastillo/ntu-campusbot/internal/config"
	"github.com/clarencecastillo/ntu-campusbot/internal/fanout"
	"github.com/clarencecastillo/ntu-campusbot/internal/i18n"
	"github.com/clarencecastillo/ntu-campusbot/internal/metrics"
	"github.com/clarencecastillo/ntu-campusbot/internal/parser"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

// Sender is the outbound messaging channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Broadcaster fans a message out to subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg fanout.Message, filter func(store.Subscriber) bool) fanout.Report
}

// NewsFunc returns the newest n news items.
type NewsFunc func(ctx context.Context, n int) ([]parser.NewsItem, error)

// Result is the outcome of one dispatched message.
type Result int

const (
	OK Result = iota
	Unauthorized
	NotFound
	BadInput
	Failed

	// Ignored messages are not commands; nothing is sent.
	Ignored
	// Maintenance means the maintenance notice was sent instead of running
	// the command.
	Maintenance
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case BadInput:
		return "bad_input"
	case Failed:
		return "failed"
	case Ignored:
		return "ignored"
	case Maintenance:
		return "maintenance"
	}
	return "unknown"
}

// Request is what a handler gets to work with.
type Request struct {
	Chat    *telegram.Chat
	IsAdmin bool
	Payload string
	Lang    string
	Log     *slog.Logger
}

func (r *Request) ChatID() int64 { return r.Chat.ID }

// Command is one entry of the command registry.
type Command struct {
	Name      string
	AdminOnly bool
	Handler   func(ctx context.Context, req *Request) Result
}

const (
	Version   = "1.2.0"
	newsCount = 5
)

// Authors are listed by /about in random order.
var Authors = []string{"Clarence", "Beiyi", "Yuxin", "Joel", "Qixuan"}

type Options struct {
	State      *store.State
	Sender     Sender
	Fanout     Broadcaster
	News       NewsFunc
	Locations  []config.Location
	CamBaseURL string
	Logger     *slog.Logger
}

type Bot struct {
	state      *store.State
	sender     Sender
	fanout     Broadcaster
	news       NewsFunc
	locations  []config.Location
	camBaseURL string
	log        *slog.Logger
	commands   map[string]Command
	now        func() time.Time

	mu       sync.RWMutex
	shuttles []parser.ShuttleService
}

func New(opts Options) *Bot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bot{
		state:      opts.State,
		sender:     opts.Sender,
		fanout:     opts.Fanout,
		news:       opts.News,
		locations:  opts.Locations,
		camBaseURL: opts.CamBaseURL,
		log:        opts.Logger,
		now:        time.Now,
	}
	b.commands = b.registry()
	return b
}

func (b *Bot) registry() map[string]Command {
	cmds := []Command{
		{Name: "start", Handler: b.start},
		{Name: "help", Handler: b.help},
		{Name: "about", Handler: b.about},
		{Name: "peek", Handler: b.peek},
		{Name: "shuttle", Handler: b.shuttle},
		{Name: "news", Handler: b.newsCmd},
		{Name: "subscribe", Handler: b.subscribe},
		{Name: "unsubscribe", Handler: b.unsubscribe},
		{Name: "broadcast", AdminOnly: true, Handler: b.broadcast},
		{Name: "stats", AdminOnly: true, Handler: b.stats},
		{Name: "subscribers", AdminOnly: true, Handler: b.subscribers},
		{Name: "maintenance", AdminOnly: true, Handler: b.maintenance},
	}
	m := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
	}
	return m
}

// SetShuttleServices replaces the services offered by /shuttle.
func (b *Bot) SetShuttleServices(services []parser.ShuttleService) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shuttles = services
}

func (b *Bot) shuttleServices() []parser.ShuttleService {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shuttles
}

// BotCommands lists the public commands for the Telegram command menu.
func BotCommands() []telegram.BotCommand {
	var out []telegram.BotCommand
	for _, name := range []string{"peek", "news", "subscribe", "unsubscribe", "shuttle", "about", "help"} {
		out = append(out, telegram.BotCommand{Command: name, Description: i18n.T("en", "cmd_"+name)})
	}
	return out
}

// ParseCommand splits "/cmd@bot payload" into "cmd" and "payload".
// ok is false when text is not a command.
func ParseCommand(text string) (cmd, payload string, ok bool) {
	rest, found := strings.CutPrefix(text, "/")
	if !found {
		return "", "", false
	}
	cmd = rest
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		cmd, payload = rest[:i], strings.TrimSpace(rest[i:])
	}
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, payload, true
}

// Dispatch handles one chat message.
func (b *Bot) Dispatch(ctx context.Context, msg *telegram.Message) Result {
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return Ignored
	}
	name, payload, ok := ParseCommand(msg.Text)
	if !ok {
		return Ignored
	}

	log := b.log.With("chat", msg.Chat.DisplayName(), "chat_id", msg.Chat.ID)
	log.Info("chat", "text", msg.Text)

	req := &Request{Chat: msg.Chat, Payload: payload, Lang: "en", Log: log}
	if msg.From != nil {
		req.Lang = i18n.Lang(msg.From.LanguageCode)
	}

	isAdmin, err := b.state.IsAdmin(ctx, msg.Chat.ID)
	if err != nil {
		log.Error("reading admins", "err", err)
		b.reply(ctx, req, i18n.T(req.Lang, "invalid_command"), nil)
		return Failed
	}
	req.IsAdmin = isAdmin

	if !isAdmin {
		mode, err := b.state.Mode(ctx)
		if err != nil {
			log.Error("reading mode", "err", err)
			b.reply(ctx, req, i18n.T(req.Lang, "invalid_command"), nil)
			return Failed
		}
		if mode == store.ModeMaintenance {
			metrics.MaintenanceRejections.Inc()
			b.reply(ctx, req, i18n.T(req.Lang, "maintenance_notice"), nil)
			return Maintenance
		}
	}

	res := b.run(ctx, name, req)

	label := name
	if _, known := b.commands[name]; !known {
		label = "unknown"
	}
	metrics.CommandsTotal.WithLabelValues(label, res.String()).Inc()

	if res != OK {
		log.Info("command rejected", "command", name, "result", res)
		b.reply(ctx, req, i18n.T(req.Lang, "invalid_command"), nil)
		return res
	}
	if _, err := b.state.IncrStat(ctx, name); err != nil {
		log.Error("recording stats", "command", name, "err", err)
	}
	return OK
}

func (b *Bot) run(ctx context.Context, name string, req *Request) Result {
	cmd, ok := b.commands[name]
	if !ok {
		return NotFound
	}
	if cmd.AdminOnly && !req.IsAdmin {
		return Unauthorized
	}
	return cmd.Handler(ctx, req)
}

// reply sends text to the request's chat. Delivery errors are logged.
func (b *Bot) reply(ctx context.Context, req *Request, text string, opts *telegram.SendOptions) error {
	err := b.sender.SendMessage(ctx, req.ChatID(), text, opts)
	if err != nil {
		req.Log.Error("failed to send reply", "err", err)
	}
	return err
}

var htmlOpts = &telegram.SendOptions{ParseMode: "HTML"}
