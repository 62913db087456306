package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// State is the typed view of the bot's persisted aggregate. It holds no
// copies of the data: every call goes to the KV, and every
// read-modify-write goes through KV.Update.
type State struct {
	kv KV
}

func NewState(kv KV) *State { return &State{kv: kv} }

// KV returns the underlying storage.
func (s *State) KV() KV { return s.kv }

// Seed replaces the admin set and creates the remaining required keys
// when they are missing. The persisted mode is kept across restarts.
func (s *State) Seed(ctx context.Context, admins []int64) error {
	admins = slices.Clone(admins)
	slices.Sort(admins)
	admins = slices.Compact(admins)
	if err := s.set(ctx, KeyAdmins, admins); err != nil {
		return fmt.Errorf("seeding admins: %w", err)
	}
	if err := update(ctx, s.kv, KeySubscribers, func(m *map[int64]string, exists bool) error {
		if *m == nil {
			*m = make(map[int64]string)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("seeding subscribers: %w", err)
	}
	if err := update(ctx, s.kv, KeyStatus, func(m *Mode, exists bool) error {
		if !exists || (*m != ModeRunning && *m != ModeMaintenance) {
			*m = ModeRunning
		}
		return nil
	}); err != nil {
		return fmt.Errorf("seeding status: %w", err)
	}
	if err := update(ctx, s.kv, KeyStats, func(m *map[string]int64, exists bool) error {
		if *m == nil {
			*m = make(map[string]int64)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("seeding stats: %w", err)
	}
	return nil
}

func (s *State) Admins(ctx context.Context) ([]int64, error) {
	var admins []int64
	if err := s.get(ctx, KeyAdmins, &admins); err != nil {
		return nil, err
	}
	return admins, nil
}

func (s *State) IsAdmin(ctx context.Context, chatID int64) (bool, error) {
	admins, err := s.Admins(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(admins, chatID), nil
}

// Subscribers returns a snapshot ordered by chat id.
func (s *State) Subscribers(ctx context.Context) ([]Subscriber, error) {
	var m map[int64]string
	if err := s.get(ctx, KeySubscribers, &m); err != nil {
		return nil, err
	}
	return subscriberList(m), nil
}

func subscriberList(m map[int64]string) []Subscriber {
	subs := make([]Subscriber, 0, len(m))
	for id, name := range m {
		subs = append(subs, Subscriber{ChatID: id, Name: name})
	}
	slices.SortFunc(subs, func(a, b Subscriber) int {
		switch {
		case a.ChatID < b.ChatID:
			return -1
		case a.ChatID > b.ChatID:
			return 1
		}
		return 0
	})
	return subs
}

// AddSubscriber reports false when the chat was already subscribed; the
// stored name is left untouched in that case.
func (s *State) AddSubscriber(ctx context.Context, sub Subscriber) (added bool, err error) {
	err = update(ctx, s.kv, KeySubscribers, func(m *map[int64]string, exists bool) error {
		if !exists {
			return fmt.Errorf("%s: %w", KeySubscribers, ErrNotFound)
		}
		if *m == nil {
			*m = make(map[int64]string)
		}
		if _, ok := (*m)[sub.ChatID]; ok {
			return nil
		}
		(*m)[sub.ChatID] = sub.Name
		added = true
		return nil
	})
	return added, err
}

// RemoveSubscriber reports false when the chat was not subscribed.
func (s *State) RemoveSubscriber(ctx context.Context, chatID int64) (removed Subscriber, ok bool, err error) {
	err = update(ctx, s.kv, KeySubscribers, func(m *map[int64]string, exists bool) error {
		if !exists {
			return fmt.Errorf("%s: %w", KeySubscribers, ErrNotFound)
		}
		name, found := (*m)[chatID]
		if !found {
			return nil
		}
		delete(*m, chatID)
		removed, ok = Subscriber{ChatID: chatID, Name: name}, true
		return nil
	})
	return removed, ok, err
}

func (s *State) Mode(ctx context.Context) (Mode, error) {
	var m Mode
	if err := s.get(ctx, KeyStatus, &m); err != nil {
		return "", err
	}
	return m, nil
}

func (s *State) SetMode(ctx context.Context, m Mode) error {
	if m != ModeRunning && m != ModeMaintenance {
		return fmt.Errorf("unknown mode %q", m)
	}
	return s.set(ctx, KeyStatus, m)
}

// ToggleMode flips between running and maintenance in one transaction
// and returns the new mode.
func (s *State) ToggleMode(ctx context.Context) (next Mode, err error) {
	err = update(ctx, s.kv, KeyStatus, func(m *Mode, exists bool) error {
		if !exists {
			return fmt.Errorf("%s: %w", KeyStatus, ErrNotFound)
		}
		next = ModeMaintenance
		if *m == ModeMaintenance {
			next = ModeRunning
		}
		*m = next
		return nil
	})
	return next, err
}

// IncrStat increments the named counter and returns its new value.
func (s *State) IncrStat(ctx context.Context, name string) (n int64, err error) {
	err = update(ctx, s.kv, KeyStats, func(m *map[string]int64, _ bool) error {
		if *m == nil {
			*m = make(map[string]int64)
		}
		(*m)[name]++
		n = (*m)[name]
		return nil
	})
	return n, err
}

// Stats returns the counters. A missing stats key reads as no counters.
func (s *State) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	if err := s.get(ctx, KeyStats, &stats); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if stats == nil {
		stats = make(map[string]int64)
	}
	return stats, nil
}

// FeedCursor returns the feed listener's position. ok is false until the
// first SetFeedCursor.
func (s *State) FeedCursor(ctx context.Context) (c FeedCursor, ok bool, err error) {
	err = s.get(ctx, KeyFeedCursor, &c)
	if errors.Is(err, ErrNotFound) {
		return FeedCursor{}, false, nil
	}
	return c, err == nil, err
}

// SetFeedCursor replaces the seen keys. Newest never moves backwards.
func (s *State) SetFeedCursor(ctx context.Context, c FeedCursor) error {
	return update(ctx, s.kv, KeyFeedCursor, func(cur *FeedCursor, _ bool) error {
		if c.Newest.After(cur.Newest) {
			cur.Newest = c.Newest
		}
		cur.Seen = c.Seen
		return nil
	})
}

// Snapshot decodes every key of the aggregate from one GetAll call.
func (s *State) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := s.kv.GetAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var (
		snap = Snapshot{Stats: make(map[string]int64)}
		subs map[int64]string
	)
	for key, dst := range map[string]any{
		KeyAdmins:      &snap.Admins,
		KeySubscribers: &subs,
		KeyStatus:      &snap.Status,
		KeyStats:       &snap.Stats,
	} {
		raw, ok := all[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return Snapshot{}, fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	snap.Subscribers = subscriberList(subs)
	return snap, nil
}

func (s *State) get(ctx context.Context, key string, v any) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *State) set(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, b)
}

func update[T any](ctx context.Context, kv KV, key string, fn func(v *T, exists bool) error) error {
	return kv.Update(ctx, key, func(old []byte, exists bool) ([]byte, error) {
		var v T
		if exists {
			if err := json.Unmarshal(old, &v); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", key, err)
			}
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}
