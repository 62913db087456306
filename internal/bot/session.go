package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clarencecastillo/ntu-campusbot/internal/metrics"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

// Delegator routes updates to one goroutine per chat. A chat's updates
// are handled in arrival order; different chats run concurrently. A
// session ends after the idle timeout passes without updates.
//
// Handle never waits on a busy chat: once that chat has queueSize updates
// pending, further ones are dropped.
type Delegator struct {
	ctx   context.Context // bounds every session
	bot   *Bot
	idle  time.Duration
	log   *slog.Logger
	queue int

	mu       sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
}

type session struct {
	updates chan telegram.Update
	pending int // queued or about to be queued; guarded by Delegator.mu
}

const queueSize = 16

func NewDelegator(ctx context.Context, b *Bot, idle time.Duration, logger *slog.Logger) *Delegator {
	if idle <= 0 {
		idle = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegator{
		ctx:      ctx,
		bot:      b,
		idle:     idle,
		log:      logger,
		queue:    queueSize,
		sessions: make(map[int64]*session),
	}
}

// Handle queues u on its chat's session, starting one if needed. It does
// not block: an update for a chat whose queue is full is dropped.
func (d *Delegator) Handle(_ context.Context, u telegram.Update) {
	id := u.ChatID()
	if id == 0 {
		d.log.Debug("ignoring update without chat", "update_id", u.UpdateID)
		return
	}
	if d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok {
		s = &session{updates: make(chan telegram.Update, d.queue)}
		d.sessions[id] = s
		d.wg.Add(1)
		go d.run(id, s)
	}
	s.pending++
	d.mu.Unlock()

	select {
	case s.updates <- u:
	default:
		d.done(s)
		metrics.DroppedUpdates.Inc()
		d.log.Warn("chat busy, dropping update", "chat_id", id, "update_id", u.UpdateID)
	}
}

// Wait blocks until every session has ended.
func (d *Delegator) Wait() { d.wg.Wait() }

// Active returns the number of open sessions.
func (d *Delegator) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Delegator) done(s *session) {
	d.mu.Lock()
	s.pending--
	d.mu.Unlock()
}

func (d *Delegator) run(id int64, s *session) {
	defer d.wg.Done()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case u := <-s.updates:
			d.dispatch(u)
			d.done(s)
			timer.Reset(d.idle)
		case <-timer.C:
			d.mu.Lock()
			if s.pending > 0 {
				d.mu.Unlock()
				timer.Reset(d.idle)
				continue
			}
			delete(d.sessions, id)
			d.mu.Unlock()
			d.log.Debug("session expired", "chat_id", id)
			return
		case <-d.ctx.Done():
			d.mu.Lock()
			delete(d.sessions, id)
			d.mu.Unlock()
			return
		}
	}
}

func (d *Delegator) dispatch(u telegram.Update) {
	switch {
	case u.Message != nil:
		d.bot.Dispatch(d.ctx, u.Message)
	case u.CallbackQuery != nil:
		d.bot.HandleCallback(d.ctx, u.CallbackQuery)
	}
}
