package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

type apiCall struct {
	method string
	body   map[string]any
}

// fakeAPI answers every Bot API method with the next queued response,
// or {"ok":true,"result":true} when none are queued.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses []string
	statuses  []int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(raw, &body)

	f.mu.Lock()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.calls = append(f.calls, apiCall{method: method, body: body})
	status, resp := http.StatusOK, `{"ok":true,"result":true}`
	if len(f.responses) > 0 {
		status, resp = f.statuses[0], f.responses[0]
		f.statuses, f.responses = f.statuses[1:], f.responses[1:]
	}
	f.mu.Unlock()

	w.WriteHeader(status)
	io.WriteString(w, resp)
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) queue(status int, resp string) {
	f.statuses = append(f.statuses, status)
	f.responses = append(f.responses, resp)
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New("token", WithBaseURL(srv.URL))
	c.sleep = func(context.Context, time.Duration) bool { return true }
	return c, api
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want []string
	}{
		"empty":             {in: "  ", want: nil},
		"short":             {in: "hello", want: []string{"hello"}},
		"exact":             {in: strings.Repeat("a", 4096), want: []string{strings.Repeat("a", 4096)}},
		"long (no newline)": {in: strings.Repeat("a", 4100), want: []string{strings.Repeat("a", 4096), "aaaa"}},
		"long (newline split)": {
			in:   strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 100),
			want: []string{strings.Repeat("a", 4000), strings.Repeat("b", 100)},
		},
		"multi-byte unicode": {
			in:   strings.Repeat("🙂", 4095) + "\n" + "🙂",
			want: []string{strings.Repeat("🙂", 4095), "🙂"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := splitMessage(tc.in)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("splitMessage mismatch (-want +got):\n%s", diff)
			}
			for _, chunk := range got {
				if utf8.RuneCountInString(chunk) > maxMessageLen {
					t.Errorf("chunk exceeds %d runes", maxMessageLen)
				}
			}
		})
	}
}

func TestSendMessage(t *testing.T) {
	c, api := newTestClient(t)

	kb := &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{{Text: "Quad", CallbackData: "location:Quad"}}}}
	if err := c.SendMessage(context.Background(), 42, "<b>hi</b>", &SendOptions{ParseMode: "HTML", ReplyMarkup: kb}); err != nil {
		t.Fatal(err)
	}
	calls := api.recorded()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	call := calls[0]
	if call.method != "sendMessage" {
		t.Errorf("method = %q", call.method)
	}
	if call.body["chat_id"] != float64(42) || call.body["text"] != "<b>hi</b>" || call.body["parse_mode"] != "HTML" {
		t.Errorf("unexpected body: %v", call.body)
	}
	if _, ok := call.body["reply_markup"]; !ok {
		t.Error("reply_markup missing")
	}
}

func TestSendRateLimitRetry(t *testing.T) {
	c, api := newTestClient(t)
	api.queue(http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`)

	if err := c.SendMessage(context.Background(), 1, "x", nil); err != nil {
		t.Fatalf("SendMessage after rate limit: %v", err)
	}
	if n := len(api.recorded()); n != 2 {
		t.Errorf("got %d calls, want 2", n)
	}
}

func TestSendForbidden(t *testing.T) {
	c, api := newTestClient(t)
	api.queue(http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)

	err := c.SendMessage(context.Background(), 1, "x", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 APIError", err)
	}
	if strings.Contains(err.Error(), "token") {
		t.Errorf("error leaks token: %v", err)
	}
	if n := len(api.recorded()); n != 1 {
		t.Errorf("forbidden sends must not be retried, got %d calls", n)
	}
}

func TestGetUpdates(t *testing.T) {
	c, api := newTestClient(t)
	api.queue(http.StatusOK, `{"ok":true,"result":[
		{"update_id":7,"message":{"message_id":1,"chat":{"id":2002,"type":"private","first_name":"A"},"text":"/start"}},
		{"update_id":8,"callback_query":{"id":"cb","data":"bus:Red","message":{"message_id":2,"chat":{"id":3003,"type":"group","title":"B"}}}}
	]}`)

	updates, err := c.GetUpdates(context.Background(), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if got := updates[0].ChatID(); got != 2002 {
		t.Errorf("updates[0].ChatID() = %d", got)
	}
	if got := updates[1].ChatID(); got != 3003 {
		t.Errorf("updates[1].ChatID() = %d", got)
	}
	if got := updates[1].CallbackQuery.Message.Chat.DisplayName(); got != "B" {
		t.Errorf("DisplayName = %q, want B", got)
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		chat *Chat
		want string
	}{
		{&Chat{Title: "Group", Username: "u", FirstName: "F"}, "Group"},
		{&Chat{Username: "u", FirstName: "F"}, "u"},
		{&Chat{FirstName: "F"}, "F"},
		{&Chat{}, "Unknown"},
		{nil, "Unknown"},
	}
	for _, tc := range cases {
		if got := tc.chat.DisplayName(); got != tc.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tc.chat, got, tc.want)
		}
	}
}

func TestPoller(t *testing.T) {
	c, api := newTestClient(t)
	api.queue(http.StatusInternalServerError, `{"ok":false,"description":"oops"}`)
	api.queue(http.StatusOK, `{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"chat":{"id":1},"text":"hi"}}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Update, 1)
	p := &Poller{Client: c, Timeout: 1, Backoff: time.Millisecond}
	go p.Run(ctx, func(_ context.Context, u Update) {
		got <- u
		cancel()
	})

	select {
	case u := <-got:
		if u.UpdateID != 10 {
			t.Errorf("UpdateID = %d, want 10", u.UpdateID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not deliver an update")
	}
}
