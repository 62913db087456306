package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/clarencecastillo/ntu-campusbot/internal/i18n"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

// HandleCallback answers a press on one of the /peek or /shuttle
// keyboards. Data is "location:<name>" or "bus:<name>".
func (b *Bot) HandleCallback(ctx context.Context, cq *telegram.CallbackQuery) Result {
	if cq == nil || cq.Message == nil || cq.Message.Chat == nil {
		return Ignored
	}
	chat := cq.Message.Chat
	log := b.log.With("chat", chat.DisplayName(), "chat_id", chat.ID)
	log.Info("callback", "data", cq.Data)

	req := &Request{Chat: chat, Lang: "en", Log: log}
	if cq.From != nil {
		req.Lang = i18n.Lang(cq.From.LanguageCode)
	}

	isAdmin, err := b.state.IsAdmin(ctx, chat.ID)
	if err != nil {
		log.Error("reading admins", "err", err)
		return Failed
	}
	if !isAdmin {
		mode, err := b.state.Mode(ctx)
		if err != nil {
			log.Error("reading mode", "err", err)
			return Failed
		}
		if mode == store.ModeMaintenance {
			b.answer(ctx, cq, log, i18n.T(req.Lang, "maintenance_notice"))
			return Maintenance
		}
	}

	kind, param, _ := strings.Cut(cq.Data, ":")
	b.answer(ctx, cq, log, i18n.T(req.Lang, "fetching"))

	switch kind {
	case callbackBus:
		for _, s := range b.shuttleServices() {
			if s.Name != param {
				continue
			}
			b.reply(ctx, req, s.Info, htmlOpts)
			if s.ImageURL != "" {
				b.photo(ctx, req, s.ImageURL)
			}
			return OK
		}
	case callbackLocation:
		for _, l := range b.locations {
			if l.Name != param {
				continue
			}
			now := b.now()
			caption := now.Format("Mon, 02 Jan 06") + " - <b>" + html.EscapeString(l.Name) + "</b>"
			b.reply(ctx, req, caption, htmlOpts)
			b.photo(ctx, req, fmt.Sprintf("%s%s.jpg?rand=%d", b.camBaseURL, l.Camera, now.UnixMilli()))
			return OK
		}
	}
	log.Warn("unknown callback", "data", cq.Data)
	return NotFound
}

func (b *Bot) answer(ctx context.Context, cq *telegram.CallbackQuery, log *slog.Logger, text string) {
	if err := b.sender.AnswerCallbackQuery(ctx, cq.ID, text); err != nil {
		log.Error("failed to answer callback", "err", err)
	}
}

func (b *Bot) photo(ctx context.Context, req *Request, url string) {
	if err := b.sender.SendPhoto(ctx, req.ChatID(), url, ""); err != nil {
		req.Log.Error("failed to send photo", "url", url, "err", err)
	}
}
