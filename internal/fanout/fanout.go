// Package fanout delivers one message to every subscriber.
//
// Delivery is best effort and at most once: a failed send is logged and
// counted, never retried and never reported to the caller as an error.
package fanout

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clarencecastillo/ntu-campusbot/internal/metrics"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

// Sender is the outbound messaging channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) error
}

// Subscribers supplies the recipient snapshot.
type Subscribers interface {
	Subscribers(ctx context.Context) ([]store.Subscriber, error)
}

type Config struct {
	Workers int        // concurrent sends, default 4
	Rate    rate.Limit // sends per second across all workers, default 25
	Logger  *slog.Logger
}

type Broadcaster struct {
	subs    Subscribers
	sender  Sender
	workers int
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(subs Subscribers, sender Sender, cfg Config) *Broadcaster {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Rate <= 0 {
		// Telegram allows about 30 messages per second for bulk sends.
		cfg.Rate = 25
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		subs:    subs,
		sender:  sender,
		workers: cfg.Workers,
		limiter: rate.NewLimiter(cfg.Rate, 1),
		log:     cfg.Logger,
	}
}

// Message is what gets broadcast.
type Message struct {
	Text string
	HTML bool
}

// Report summarizes one broadcast.
type Report struct {
	Recipients int
	Sent       int
	Failed     int
}

// Broadcast reads the subscriber set once and sends msg to every
// subscriber accepted by filter (all of them when filter is nil).
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message, filter func(store.Subscriber) bool) Report {
	subs, err := b.subs.Subscribers(ctx)
	if err != nil {
		b.log.Error("broadcast: reading subscribers", "err", err)
		return Report{}
	}

	opts := &telegram.SendOptions{}
	if msg.HTML {
		opts.ParseMode = "HTML"
	}

	var (
		sent, failed atomic.Int64
		recipients   int
		g            errgroup.Group
	)
	g.SetLimit(b.workers)
	for _, sub := range subs {
		if filter != nil && !filter(sub) {
			continue
		}
		recipients++
		g.Go(func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				failed.Add(1)
				metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
				return nil
			}
			if err := b.sender.SendMessage(ctx, sub.ChatID, msg.Text, opts); err != nil {
				failed.Add(1)
				metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
				b.log.Warn("broadcast: delivery failed", "chat_id", sub.ChatID, "name", sub.Name, "err", err)
				return nil
			}
			sent.Add(1)
			metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
			return nil
		})
	}
	g.Wait()

	r := Report{Recipients: recipients, Sent: int(sent.Load()), Failed: int(failed.Load())}
	b.log.Info("broadcast done", "recipients", r.Recipients, "sent", r.Sent, "failed", r.Failed)
	return r
}
