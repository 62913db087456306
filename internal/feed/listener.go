package feed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/clarencecastillo/ntu-campusbot/internal/metrics"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
)

// Cursor persists the listener's position across restarts.
type Cursor interface {
	FeedCursor(ctx context.Context) (store.FeedCursor, bool, error)
	SetFeedCursor(ctx context.Context, c store.FeedCursor) error
}

// Listener polls a Source and hands every new original post to OnEvent.
//
// A post is new when its key has not been seen before. Unseen posts dated
// more than MaxLateness before the newest post already seen are treated
// as old, so a trimmed key list never replays the timeline.
//
// OnEvent runs on its own goroutine, one event at a time, so a slow
// fan-out never delays the next poll.
type Listener struct {
	Source       Source
	Account      string
	Cursor       Cursor
	Interval     time.Duration // default 1m
	Buffer       int           // hand-off queue length, default 64
	MaxSeen      int           // remembered post keys, default 256
	MaxLateness  time.Duration // default 24h
	DrainTimeout time.Duration // delivery of queued events after shutdown, default 10s
	OnEvent      func(context.Context, Event)
	Logger       *slog.Logger
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Run polls until ctx is done, then waits for queued events to drain.
// Queued events are delivered with a context that outlives ctx by
// DrainTimeout.
func (l *Listener) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	buf := l.Buffer
	if buf <= 0 {
		buf = 64
	}
	drain := l.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}

	deliverCtx, cancelDeliver := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliver()
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(drain, cancelDeliver) })
	defer stop()

	queue := make(chan Event, buf)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range queue {
			l.OnEvent(deliverCtx, ev)
		}
	}()
	defer func() {
		close(queue)
		<-done
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, next, ok := l.poll(ctx)
		if ok {
			n := handOff(ctx, queue, events)
			if n < len(events) {
				next.Seen = forget(next.Seen, events[n:])
			}
			if err := l.Cursor.SetFeedCursor(deliverCtx, next); err != nil {
				l.logger().Error("saving feed cursor", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// handOff queues events until ctx is done and returns how many were queued.
func handOff(ctx context.Context, queue chan<- Event, events []Event) int {
	for i, ev := range events {
		if ctx.Err() != nil {
			return i
		}
		select {
		case queue <- ev:
		case <-ctx.Done():
			return i
		}
	}
	return len(events)
}

// forget drops the keys of events that were never handed off, so the next
// poll offers them again.
func forget(seen []string, events []Event) []string {
	drop := make(map[string]bool, len(events))
	for _, ev := range events {
		drop[ev.Key()] = true
	}
	return slices.DeleteFunc(seen, func(k string) bool { return drop[k] })
}

// poll fetches the timeline once and returns the new original posts,
// oldest first, with the cursor to save once they are handed off. ok is
// false when nothing should be saved.
//
// The first poll of an unknown feed only records what is there.
func (l *Listener) poll(ctx context.Context) (out []Event, next store.FeedCursor, ok bool) {
	log := l.logger()
	maxSeen := l.MaxSeen
	if maxSeen <= 0 {
		maxSeen = 256
	}
	lateness := l.MaxLateness
	if lateness <= 0 {
		lateness = 24 * time.Hour
	}

	events, err := l.Source.Poll(ctx)
	switch {
	case errors.Is(err, ErrNotModified):
		metrics.FeedPollsTotal.WithLabelValues("not_modified").Inc()
		return nil, next, false
	case err != nil:
		metrics.FeedPollsTotal.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			log.Error("feed poll failed", "err", err)
		}
		return nil, next, false
	}
	metrics.FeedPollsTotal.WithLabelValues("ok").Inc()

	cur, known, err := l.Cursor.FeedCursor(ctx)
	if err != nil {
		log.Error("reading feed cursor", "err", err)
		return nil, next, false
	}

	slices.SortStableFunc(events, func(a, b Event) int { return a.Published.Compare(b.Published) })

	seen := make(map[string]bool, len(cur.Seen))
	for _, k := range cur.Seen {
		seen[k] = true
	}
	pending := make(map[string]bool, len(events))
	for _, ev := range events {
		pending[ev.Key()] = true
	}

	// Keys still on the timeline move to the end so trimming keeps them.
	next.Newest = cur.Newest
	for _, k := range cur.Seen {
		if !pending[k] {
			next.Seen = append(next.Seen, k)
		}
	}
	horizon := cur.Newest.Add(-lateness)
	for _, ev := range events {
		key := ev.Key()
		if !pending[key] {
			continue // duplicate within the batch
		}
		delete(pending, key)
		next.Seen = append(next.Seen, key)
		if ev.Published.After(next.Newest) {
			next.Newest = ev.Published
		}

		switch {
		case seen[key] || !known:
			metrics.FeedEventsTotal.WithLabelValues("old").Inc()
		case !ev.Published.IsZero() && !cur.Newest.IsZero() && ev.Published.Before(horizon):
			metrics.FeedEventsTotal.WithLabelValues("old").Inc()
			log.Debug("skipping stale post", "id", ev.ID, "published", ev.Published)
		case ev.Repost || IsRepost(ev, l.Account):
			metrics.FeedEventsTotal.WithLabelValues("repost").Inc()
			log.Debug("skipping repost", "id", ev.ID, "author", ev.Author)
		default:
			metrics.FeedEventsTotal.WithLabelValues("relayed").Inc()
			out = append(out, ev)
		}
	}
	if over := len(next.Seen) - max(maxSeen, len(events)); over > 0 {
		next.Seen = next.Seen[over:]
	}
	if !known {
		log.Info("feed cursor initialized", "items_skipped", len(events), "newest", next.Newest)
	}
	return out, next, true
}
