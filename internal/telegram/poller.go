package telegram

import (
	"context"
	"log/slog"
	"time"
)

// Poller long-polls getUpdates and hands every update to a handler.
type Poller struct {
	Client  *Client
	Timeout int           // long-poll timeout in seconds
	Backoff time.Duration // wait after a failed poll
	Logger  *slog.Logger
}

// Run polls until ctx is done. handle is called in update order.
func (p *Poller) Run(ctx context.Context, handle func(context.Context, Update)) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Long polls outlive the client's default timeout.
	client := *p.Client
	hc := *client.httpc
	hc.Timeout = time.Duration(timeout+10) * time.Second
	client.httpc = &hc

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := client.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to poll updates", "err", err)
			if !sleep(ctx, backoff) {
				return
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			handle(ctx, u)
		}
	}
}
