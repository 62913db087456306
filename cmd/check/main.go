// Command check inspects the bot's persisted state and dry-runs the
// scrapers without starting the bot.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clarencecastillo/ntu-campusbot/internal/bot"
	"github.com/clarencecastillo/ntu-campusbot/internal/config"
	"github.com/clarencecastillo/ntu-campusbot/internal/parser"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

const (
	envBotToken = "BOT_TOKEN"
	envChatIDs  = "ADMINISTRATORS"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error loading .env: %v\n", err)
		os.Exit(1)
	}

	driver := flag.String("driver", envOr("STORE_DRIVER", "bolt"), "State store driver: bolt, sqlite or postgres")
	path := flag.String("path", envOr("STATE_PATH", "campusbot.db"), "State file for bolt and sqlite")
	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	prefix := flag.String("prefix", os.Getenv("DB_TABLE_PREFIX"), "Bucket/table name prefix")
	news := flag.Bool("news", false, "Scrape and print the latest news instead of the state")
	shuttle := flag.Bool("shuttle", false, "Scrape and print the shuttle routes instead of the state")
	watch := flag.Duration("watch", 0, "With -news, scrape again at this interval and print changes")
	send := flag.String("send", "", "Send this text to -chat-ids and exit")
	botToken := flag.String("bot-token", os.Getenv(envBotToken), "Telegram bot token (can be set via BOT_TOKEN env var)")
	chatIDs := flag.String("chat-ids", os.Getenv(envChatIDs), "Comma-separated list of Telegram chat IDs (can be set via ADMINISTRATORS env var)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scrape, err := config.LoadScrape()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fetcher := parser.NewFetcher(scrape.ScrapeTimeout, nil)

	switch {
	case *send != "":
		err = sendText(ctx, *botToken, *chatIDs, *send)
	case *news:
		err = checkNews(ctx, fetcher, scrape.NewsURL, *watch)
	case *shuttle:
		err = checkShuttle(ctx, fetcher, scrape.ShuttleURL)
	default:
		err = printState(ctx, store.Options{Driver: *driver, Path: *path, DatabaseURL: *dbURL, Prefix: *prefix})
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printState(ctx context.Context, opts store.Options) error {
	if opts.Driver != "postgres" {
		if _, err := os.Stat(opts.Path); err != nil {
			return fmt.Errorf("state file: %w", err)
		}
	}
	kv, err := store.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer kv.Close()

	snap, err := store.NewState(kv).Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(bot.FormatStats(snap.Stats, fmt.Sprintf("%s (%d subscribers)", snap.Status, len(snap.Subscribers))))
	fmt.Println()
	return nil
}

func checkNews(ctx context.Context, f *parser.Fetcher, pageURL string, every time.Duration) error {
	seen := make(map[string]bool)
	for {
		items, err := f.FetchNews(ctx, pageURL, 5)
		if err != nil {
			if every <= 0 {
				return err
			}
			fmt.Printf("Error fetching news: %v\n", err)
		}
		changed := 0
		for _, it := range items {
			if seen[it.Link] {
				continue
			}
			seen[it.Link] = true
			changed++
			fmt.Println(formatNewsItem(it))
		}
		if every <= 0 {
			return nil
		}
		if changed == 0 {
			fmt.Printf("%s: no new items\n", time.Now().Format(time.TimeOnly))
		}
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case <-time.After(every):
		}
	}
}

func formatNewsItem(it parser.NewsItem) string {
	return fmt.Sprintf("%-12s %s\n             %s", it.Date, it.Title, it.Link)
}

func checkShuttle(ctx context.Context, f *parser.Fetcher, pageURL string) error {
	services, err := f.LoadShuttleServices(ctx, pageURL)
	if err != nil {
		return err
	}
	for _, s := range services {
		fmt.Printf("%s\n  info:  %s\n  image: %s\n", s.Name, s.InfoURL, orNone(s.ImageURL))
	}
	return nil
}

func sendText(ctx context.Context, token, ids, text string) error {
	if token == "" {
		return fmt.Errorf("Telegram bot token is required. Set it via %s environment variable or -bot-token flag", envBotToken)
	}
	var chats config.ChatIDs
	if err := chats.UnmarshalText([]byte(ids)); err != nil {
		return fmt.Errorf("At least one Telegram chat ID is required (%s or -chat-ids): %w", envChatIDs, err)
	}
	client := telegram.New(token)
	var failed []string
	for _, id := range chats {
		if err := client.SendMessage(ctx, id, text, nil); err != nil {
			failed = append(failed, fmt.Sprintf("%d: %v", id, err))
		}
	}
	fmt.Printf("Message sent to %d of %d chats\n", len(chats)-len(failed), len(chats))
	if len(failed) > 0 {
		return errors.New(strings.Join(failed, "; "))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
