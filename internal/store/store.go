package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Keys of the persisted aggregate.
const (
	KeyAdmins      = "admins"
	KeySubscribers = "subscribers"
	KeyStatus      = "status"
	KeyStats       = "stats"
	KeyFeedCursor  = "feed_cursor"
)

// Mode is the process-wide operating mode.
type Mode string

const (
	ModeRunning     Mode = "running"
	ModeMaintenance Mode = "maintenance"
)

// Subscriber is a chat that receives relayed feed posts and broadcasts.
type Subscriber struct {
	ChatID int64  `json:"chat_id"`
	Name   string `json:"name"` // chat title, username or first name
}

// Snapshot is the whole persisted aggregate decoded at one point in time.
type Snapshot struct {
	Admins      []int64          `json:"admins"`
	Subscribers []Subscriber     `json:"subscribers"`
	Status      Mode             `json:"status"`
	Stats       map[string]int64 `json:"stats"`
}

// FeedCursor records how far the feed listener has read: the newest
// publish time seen and the keys of recently seen posts, oldest first.
type FeedCursor struct {
	Newest time.Time `json:"newest"`
	Seen   []string  `json:"seen"`
}

// UnmarshalJSON also accepts the bare timestamp stored by earlier versions.
func (c *FeedCursor) UnmarshalJSON(b []byte) error {
	var t time.Time
	if err := json.Unmarshal(b, &t); err == nil {
		*c = FeedCursor{Newest: t}
		return nil
	}
	type plain FeedCursor
	return json.Unmarshal(b, (*plain)(c))
}

// KV abstracts the durable key/value storage behind the bot state.
// Values are JSON documents.
type KV interface {
	// Get returns ErrNotFound if key was never set.
	Get(ctx context.Context, key string) ([]byte, error)
	GetAll(ctx context.Context) (map[string][]byte, error)
	// Set replaces the value and returns once it is durably written.
	Set(ctx context.Context, key string, value []byte) error
	// Update atomically replaces the value of key with the result of fn.
	// fn gets a nil value and exists=false when the key is absent.
	Update(ctx context.Context, key string, fn func(value []byte, exists bool) ([]byte, error)) error
	Close() error
}

var ErrNotFound = errors.New("not found")
