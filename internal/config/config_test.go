package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-cmp/cmp"
)

func parse(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return Parse(env.Options{Environment: vars})
}

func TestParseDefaults(t *testing.T) {
	c, err := parse(t, map[string]string{
		"BOT_TOKEN":      "123:abc",
		"ADMINISTRATORS": "1001, 1002",
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ChatIDs{1001, 1002}, c.Admins); diff != "" {
		t.Errorf("admins mismatch (-want +got):\n%s", diff)
	}
	if c.StoreDriver != "bolt" || c.StatePath != "campusbot.db" {
		t.Errorf("store = %s %s", c.StoreDriver, c.StatePath)
	}
	if c.SessionIdleTimeout != 10*time.Second {
		t.Errorf("SessionIdleTimeout = %v, want 10s", c.SessionIdleTimeout)
	}
	if c.FeedAccount != "NTUsg" || c.FeedURL != "" {
		t.Errorf("feed = %q %q", c.FeedAccount, c.FeedURL)
	}
	if c.CamBaseURL != "https://webcam.ntu.edu.sg/upload/slider/" {
		t.Errorf("CamBaseURL = %q", c.CamBaseURL)
	}
	if diff := cmp.Diff(DefaultLocations, c.Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}
	if c.Level() != slog.LevelInfo {
		t.Errorf("Level() = %v", c.Level())
	}
}

func TestParseErrors(t *testing.T) {
	base := func(extra map[string]string) map[string]string {
		m := map[string]string{"BOT_TOKEN": "t", "ADMINISTRATORS": "1"}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}
	tests := map[string]map[string]string{
		"missing token":         {"ADMINISTRATORS": "1"},
		"missing admins":        {"BOT_TOKEN": "t"},
		"bad admin id":          {"BOT_TOKEN": "t", "ADMINISTRATORS": "1,abc"},
		"blank admin list":      {"BOT_TOKEN": "t", "ADMINISTRATORS": " , "},
		"unknown driver":        base(map[string]string{"STORE_DRIVER": "redis"}),
		"postgres without url":  base(map[string]string{"STORE_DRIVER": "postgres"}),
		"webhook without token": base(map[string]string{"WEBHOOK_URL": "https://bot.example/telegram/webhook"}),
		"zero idle timeout":     base(map[string]string{"SESSION_IDLE_TIMEOUT": "0s"}),
		"missing locations":     base(map[string]string{"LOCATIONS_FILE": "/nonexistent/locations.yaml"}),
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parse(t, vars); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"bogus": slog.LevelInfo,
	} {
		c := &Config{LogLevel: in}
		if got := c.Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadLocations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locations.yaml")
	os.WriteFile(path, []byte(`
locations:
  - name: Quad
    camera: quad
  - name: Canteen B
    camera: canteenB
`), 0o644)

	c, err := parse(t, map[string]string{
		"BOT_TOKEN":      "t",
		"ADMINISTRATORS": "1",
		"LOCATIONS_FILE": path,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []Location{{Name: "Quad", Camera: "quad"}, {Name: "Canteen B", Camera: "canteenB"}}
	if diff := cmp.Diff(want, c.Locations); diff != "" {
		t.Errorf("locations mismatch (-want +got):\n%s", diff)
	}

	dup := filepath.Join(dir, "dup.yaml")
	os.WriteFile(dup, []byte("locations:\n  - {name: Quad, camera: a}\n  - {name: Quad, camera: b}\n"), 0o644)
	if _, err := LoadLocations(dup); err == nil {
		t.Error("duplicate names must be rejected")
	}
}

func TestScrapeOverrides(t *testing.T) {
	c, err := parse(t, map[string]string{
		"BOT_TOKEN":      "t",
		"ADMINISTRATORS": "1",
		"NEWS_URL":       "https://news.example/",
		"SCRAPE_TIMEOUT": "3s",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.NewsURL != "https://news.example/" || c.ScrapeTimeout != 3*time.Second {
		t.Errorf("scrape = %+v", c.Scrape)
	}
	if c.ShuttleURL == "" {
		t.Error("ShuttleURL has no default")
	}
}

func TestLoadScrape(t *testing.T) {
	t.Setenv("SHUTTLE_URL", "https://shuttle.example/")
	s, err := LoadScrape()
	if err != nil {
		t.Fatal(err)
	}
	if s.ShuttleURL != "https://shuttle.example/" || s.ScrapeTimeout != 15*time.Second {
		t.Errorf("LoadScrape() = %+v", s)
	}
}
