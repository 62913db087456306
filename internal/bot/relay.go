package bot

import (
	"context"
	"html"

	"github.com/clarencecastillo/ntu-campusbot/internal/fanout"
	"github.com/clarencecastillo/ntu-campusbot/internal/feed"
)

// StatRelayed counts feed posts relayed to subscribers.
const StatRelayed = "relayed"

// Relay forwards a feed post to every subscriber as
// "<b>author</b>: text". Reposts are dropped.
func (b *Bot) Relay(ctx context.Context, ev feed.Event) {
	if ev.Repost {
		b.log.Debug("not relaying repost", "id", ev.ID)
		return
	}
	if _, err := b.state.IncrStat(ctx, StatRelayed); err != nil {
		b.log.Error("recording relay stats", "err", err)
	}
	text := "<b>" + html.EscapeString(ev.Author) + "</b>: " + html.EscapeString(ev.Text)
	r := b.fanout.Broadcast(ctx, fanout.Message{Text: text, HTML: true}, nil)
	b.log.Info("relayed feed post", "id", ev.ID, "sent", r.Sent, "failed", r.Failed)
}
