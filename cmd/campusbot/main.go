// Command campusbot runs the NTU campus Telegram bot.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/clarencecastillo/ntu-campusbot/internal/bot"
	"github.com/clarencecastillo/ntu-campusbot/internal/config"
	"github.com/clarencecastillo/ntu-campusbot/internal/fanout"
	"github.com/clarencecastillo/ntu-campusbot/internal/feed"
	"github.com/clarencecastillo/ntu-campusbot/internal/parser"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
	"github.com/clarencecastillo/ntu-campusbot/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		Path:        cfg.StatePath,
		DatabaseURL: cfg.DatabaseURL,
		Prefix:      cfg.TablePrefix,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	state := store.NewState(kv)
	if err := state.Seed(ctx, cfg.Admins); err != nil {
		return err
	}
	logger.Info("initialized administrators", "admins", []int64(cfg.Admins), "store", cfg.StoreDriver)

	client := telegram.New(cfg.BotToken, telegram.WithLogger(logger.With("component", "telegram")))
	fetcher := parser.NewFetcher(cfg.ScrapeTimeout, logger.With("component", "scraper"))

	b := bot.New(bot.Options{
		State:  state,
		Sender: client,
		Fanout: fanout.New(state, client, fanout.Config{Logger: logger.With("component", "fanout")}),
		News: func(ctx context.Context, n int) ([]parser.NewsItem, error) {
			return fetcher.FetchNews(ctx, cfg.NewsURL, n)
		},
		Locations:  cfg.Locations,
		CamBaseURL: cfg.CamBaseURL,
		Logger:     logger.With("component", "bot"),
	})

	services, err := fetcher.LoadShuttleServices(ctx, cfg.ShuttleURL)
	if err != nil {
		logger.Warn("shuttle routes unavailable", "err", err)
	}
	b.SetShuttleServices(services)
	logger.Info("initialized bot", "shuttle_services", len(services), "locations", len(cfg.Locations))

	if err := client.SetMyCommands(ctx, bot.BotCommands()); err != nil {
		logger.Warn("failed to register commands", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	delegator := bot.NewDelegator(ctx, b, cfg.SessionIdleTimeout, logger.With("component", "sessions"))

	srv := &web.Server{
		Addr:   ":" + cfg.Port,
		State:  state,
		Logger: logger.With("component", "web"),
	}
	if cfg.WebhookURL != "" {
		srv.Updates = delegator.Handle
		srv.Secret = cfg.WebhookSecret
	}

	g.Go(func() error { return srv.Run(ctx) })

	if cfg.FeedURL != "" {
		l := &feed.Listener{
			Source:   feed.NewRSSSource(cfg.FeedURL, cfg.FeedAccount),
			Account:  cfg.FeedAccount,
			Cursor:   state,
			Interval: cfg.FeedPollInterval,
			OnEvent:  b.Relay,
			Logger:   logger.With("component", "feed"),
		}
		g.Go(func() error { return l.Run(ctx) })
		logger.Info("initialized feed listener", "account", cfg.FeedAccount, "url", cfg.FeedURL)
	}

	if cfg.WebhookURL != "" {
		if err := client.SetWebhook(ctx, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("set webhook: %w", err)
		}
		logger.Info("receiving updates by webhook", "url", cfg.WebhookURL)
	} else {
		if err := client.DeleteWebhook(ctx); err != nil {
			logger.Warn("failed to delete webhook", "err", err)
		}
		p := &telegram.Poller{Client: client, Logger: logger.With("component", "poller")}
		g.Go(func() error {
			p.Run(ctx, delegator.Handle)
			return nil
		})
		logger.Info("receiving updates by long polling")
	}

	logger.Info("NTU_CampusBot ready!", "version", bot.Version)
	err = g.Wait()
	delegator.Wait()
	logger.Info("shut down")
	return err
}
