// Package config loads the bot configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BotToken string  `env:"BOT_TOKEN,required,notEmpty"`
	Admins   ChatIDs `env:"ADMINISTRATORS,required,notEmpty"`

	// Feed listener; disabled when FeedURL is empty.
	FeedURL          string        `env:"FEED_URL"`
	FeedAccount      string        `env:"FEED_ACCOUNT" envDefault:"NTUsg"`
	FeedPollInterval time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"1m"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt"` // bolt, sqlite or postgres
	StatePath   string `env:"STATE_PATH" envDefault:"campusbot.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	TablePrefix string `env:"DB_TABLE_PREFIX"`

	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10s"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`

	Port          string `env:"PORT" envDefault:"8080"`
	WebhookURL    string `env:"WEBHOOK_URL"` // long polling when empty
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	Scrape
	CamBaseURL    string `env:"CAM_BASE_URL" envDefault:"https://webcam.ntu.edu.sg/upload/slider/"`
	LocationsFile string `env:"LOCATIONS_FILE"`

	Locations []Location `env:"-"`
}

// Scrape locates the university pages behind /news and /shuttle.
type Scrape struct {
	NewsURL       string        `env:"NEWS_URL" envDefault:"http://news.ntu.edu.sg/Pages/NewsSummary.aspx?Category=news+releases"`
	ShuttleURL    string        `env:"SHUTTLE_URL" envDefault:"http://www.ntu.edu.sg/has/Transportation/Pages/GettingAroundNTU.aspx"`
	ScrapeTimeout time.Duration `env:"SCRAPE_TIMEOUT" envDefault:"15s"`
}

// LoadScrape reads only the scraper settings, for tools that run without
// a bot token.
func LoadScrape() (Scrape, error) {
	var s Scrape
	if err := env.Parse(&s); err != nil {
		return Scrape{}, err
	}
	return s, nil
}

// ChatIDs is a comma-separated list of Telegram chat ids.
type ChatIDs []int64

func (ids *ChatIDs) UnmarshalText(text []byte) error {
	var out ChatIDs
	for _, part := range strings.Split(string(text), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", part)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return errors.New("no chat ids")
	}
	*ids = out
	return nil
}

// Location is a webcam offered by /peek.
type Location struct {
	Name   string `yaml:"name"`
	Camera string `yaml:"camera"` // image file name under CamBaseURL, without ".jpg"
}

// DefaultLocations are used when no locations file is configured.
var DefaultLocations = []Location{
	{Name: "Fastfood Level, Admin Cluster", Camera: "fastfood"},
	{Name: "School of Art, Design and Media", Camera: "adm"},
	{Name: "Lee Wee Nam Library", Camera: "lwn-inside"},
	{Name: "Quad", Camera: "quad"},
	{Name: "Walkway between North and South Spines", Camera: "WalkwaybetweenNorthAndSouthSpines"},
	{Name: "Canteen B", Camera: "canteenB"},
	{Name: "Onestop@SAC", Camera: "onestop_sac"},
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(env.Options{})
}

// Parse builds a Config from opts; tests pass opts.Environment.
func Parse(opts env.Options) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	c.Locations = DefaultLocations
	if c.LocationsFile != "" {
		locs, err := LoadLocations(c.LocationsFile)
		if err != nil {
			return nil, err
		}
		c.Locations = locs
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "bolt", "sqlite":
		if c.StatePath == "" {
			return errors.New("STATE_PATH is empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return errors.New("WEBHOOK_URL requires WEBHOOK_SECRET")
	}
	if c.SessionIdleTimeout <= 0 {
		return errors.New("SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.FeedURL != "" && c.FeedPollInterval <= 0 {
		return errors.New("FEED_POLL_INTERVAL must be positive")
	}
	c.CamBaseURL = strings.TrimRight(c.CamBaseURL, "/") + "/"
	return nil
}

// Level returns LOG_LEVEL as a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// LoadLocations reads a YAML list of webcam locations:
//
//	locations:
//	  - name: Quad
//	    camera: quad
func LoadLocations(path string) ([]Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations: %w", err)
	}
	var doc struct {
		Locations []Location `yaml:"locations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse locations %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Locations))
	for _, l := range doc.Locations {
		if l.Name == "" || l.Camera == "" {
			return nil, fmt.Errorf("locations %s: name and camera are required", path)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("locations %s: duplicate name %q", path, l.Name)
		}
		seen[l.Name] = true
	}
	if len(doc.Locations) == 0 {
		return nil, fmt.Errorf("locations %s: no locations", path)
	}
	return doc.Locations, nil
}
