package handler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
)

// Query selects stored events. Zero fields do not constrain the result.
// Since is exclusive and Until inclusive. Limit keeps the most recent
// matches.
type Query struct {
	DeviceID string
	Names    []string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (q Query) matches(deviceID, name string, ts time.Time) bool {
	switch {
	case q.DeviceID != "" && q.DeviceID != deviceID:
		return false
	case len(q.Names) > 0 && !slices.Contains(q.Names, name):
		return false
	case !q.Since.IsZero() && !ts.After(q.Since):
		return false
	case !q.Until.IsZero() && ts.After(q.Until):
		return false
	}
	return true
}

// EventStore persists commands and notifications so subscribers can replay
// recent history.
type EventStore interface {
	// StoreCommand assigns an id and, when missing, a timestamp.
	StoreCommand(ctx context.Context, cmd *eventbus.Command) error
	// UpdateCommand applies the status, result and parameters of update to
	// the stored command with the same id and returns the merged command.
	UpdateCommand(ctx context.Context, update eventbus.Command) (eventbus.Command, error)
	StoreNotification(ctx context.Context, n *eventbus.Notification) error
	// FindCommands returns matches ordered by timestamp, oldest first.
	FindCommands(ctx context.Context, q Query) ([]eventbus.Command, error)
	FindNotifications(ctx context.Context, q Query) ([]eventbus.Notification, error)
}

// MemoryStore is an EventStore holding the most recent events in memory.
type MemoryStore struct {
	mu            sync.RWMutex
	commands      []eventbus.Command
	notifications []eventbus.Notification
	nextID        int64
	capacity      int
	now           func() time.Time
}

var _ EventStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store keeping at most capacity events of each
// kind. A capacity below 1 defaults to 10000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = 10000
	}
	return &MemoryStore{capacity: capacity, now: time.Now}
}

// StoreCommand implements EventStore.
func (s *MemoryStore) StoreCommand(_ context.Context, cmd *eventbus.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cmd.ID = s.nextID
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.now().UTC()
	}
	cmd.LastUpdated = cmd.Timestamp
	s.commands = appendBounded(s.commands, *cmd, s.capacity)
	return nil
}

// UpdateCommand implements EventStore.
func (s *MemoryStore) UpdateCommand(_ context.Context, update eventbus.Command) (eventbus.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.commands, func(c eventbus.Command) bool { return c.ID == update.ID })
	if i < 0 {
		return eventbus.Command{}, errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "UpdateCommand",
			"find command")
	}

	cmd := &s.commands[i]
	mergeUpdate(cmd, update, s.now())
	return *cmd, nil
}

// mergeUpdate copies the fields a device may change onto cmd.
func mergeUpdate(cmd *eventbus.Command, update eventbus.Command, now time.Time) {
	if update.Status != "" {
		cmd.Status = update.Status
	}
	if update.Result != nil {
		cmd.Result = update.Result
	}
	if update.Parameters != nil {
		cmd.Parameters = update.Parameters
	}
	if update.Lifetime != 0 {
		cmd.Lifetime = update.Lifetime
	}
	cmd.IsUpdated = true
	cmd.LastUpdated = now.UTC()
}

// StoreNotification implements EventStore.
func (s *MemoryStore) StoreNotification(_ context.Context, n *eventbus.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	n.ID = s.nextID
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	s.notifications = appendBounded(s.notifications, *n, s.capacity)
	return nil
}

// FindCommands implements EventStore.
func (s *MemoryStore) FindCommands(_ context.Context, q Query) ([]eventbus.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.commands, q, func(c eventbus.Command) bool {
		return q.matches(c.DeviceID, c.Command, c.Timestamp)
	}, func(c eventbus.Command) time.Time { return c.Timestamp }), nil
}

// FindNotifications implements EventStore.
func (s *MemoryStore) FindNotifications(_ context.Context, q Query) ([]eventbus.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.notifications, q, func(n eventbus.Notification) bool {
		return q.matches(n.DeviceID, n.Notification, n.Timestamp)
	}, func(n eventbus.Notification) time.Time { return n.Timestamp }), nil
}

func find[E any](items []E, q Query, match func(E) bool, ts func(E) time.Time) []E {
	out := make([]E, 0)
	for _, item := range items {
		if match(item) {
			out = append(out, item)
		}
	}
	slices.SortStableFunc(out, func(a, b E) int { return ts(a).Compare(ts(b)) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func appendBounded[E any](items []E, item E, capacity int) []E {
	items = append(items, item)
	if len(items) > capacity {
		items = slices.Delete(items, 0, len(items)-capacity)
	}
	return items
}
