package bot

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clarencecastillo/ntu-campusbot/internal/i18n"
	"github.com/clarencecastillo/ntu-campusbot/internal/parser"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDelegatorOrderAndIdle(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDelegator(ctx, h.bot, 50*time.Millisecond, quiet())
	texts := []string{"/help", "/subscribe", "/unsubscribe", "/subscribe"}
	for i, text := range texts {
		d.Handle(ctx, telegram.Update{UpdateID: int64(i), Message: message(userA, "A", text)})
	}
	d.Handle(ctx, telegram.Update{UpdateID: 10, Message: message(userB, "B", "/help")})

	waitFor(t, "replies", func() bool { return h.sender.count() == len(texts)+1 })

	want := []string{
		i18n.T("en", "help"),
		i18n.T("en", "subscribed"),
		i18n.T("en", "unsubscribed"),
		i18n.T("en", "subscribed"),
	}
	got := h.sender.to(userA)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reply %d = %q, want %q", i, got[i], want[i])
		}
	}

	waitFor(t, "sessions to expire", func() bool { return d.Active() == 0 })

	// A new update after expiry opens a fresh session.
	d.Handle(ctx, telegram.Update{UpdateID: 20, Message: message(userA, "A", "/help")})
	waitFor(t, "reply after expiry", func() bool { return len(h.sender.to(userA)) == len(texts)+1 })

	cancel()
	d.Wait()
	if n := d.Active(); n != 0 {
		t.Errorf("%d sessions left after shutdown", n)
	}
}

func TestDelegatorCallbacksUseMessageChat(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDelegator(ctx, h.bot, time.Second, quiet())
	d.Handle(ctx, telegram.Update{UpdateID: 1, CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    &telegram.User{ID: 42},
		Data:    "location:Quad",
		Message: message(userB, "group", ""),
	}})
	waitFor(t, "caption", func() bool { return len(h.sender.to(userB)) == 1 })

	// Updates without a chat are dropped.
	d.Handle(ctx, telegram.Update{UpdateID: 2})
	if n := d.Active(); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
	cancel()
	d.Wait()
}

// A chat stuck in a slow handler neither blocks Handle nor other chats.
func TestDelegatorDropsWhenChatBusy(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetching := make(chan struct{})
	release := make(chan struct{})
	h.bot.news = func(context.Context, int) ([]parser.NewsItem, error) {
		close(fetching)
		<-release
		return nil, nil
	}

	d := NewDelegator(ctx, h.bot, time.Second, quiet())
	d.queue = 2
	d.Handle(ctx, telegram.Update{UpdateID: 1, Message: message(userA, "A", "/news")})
	<-fetching

	handled := make(chan struct{})
	go func() {
		for i := range 5 {
			d.Handle(ctx, telegram.Update{UpdateID: int64(10 + i), Message: message(userA, "A", "/help")})
		}
		d.Handle(ctx, telegram.Update{UpdateID: 20, Message: message(userB, "B", "/help")})
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle blocked on a busy chat")
	}
	waitFor(t, "other chat reply", func() bool { return len(h.sender.to(userB)) == 1 })

	close(release)
	waitFor(t, "queued replies", func() bool { return len(h.sender.to(userA)) == 3 })
	time.Sleep(50 * time.Millisecond)
	want := []string{i18n.T("en", "news_wait"), i18n.T("en", "help"), i18n.T("en", "help")}
	if diff := cmp.Diff(want, h.sender.to(userA)); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	cancel()
	d.Wait()
}
