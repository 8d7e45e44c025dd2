package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/pkg/retry"
)

const (
	commandPrefix      = "command."
	notificationPrefix = "notification."
	sequenceKey        = "sequence"
)

// KVStore is an EventStore over a JetStream key-value bucket, shared by
// every backend node. Ids come from a sequence key advanced with
// compare-and-set; retention is left to the bucket's TTL and size limits.
type KVStore struct {
	kv       jetstream.KeyValue
	attempts int
	now      func() time.Time
}

var _ EventStore = (*KVStore)(nil)

// NewKVStore creates a store over kv.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv, attempts: 20, now: time.Now}
}

// StoreCommand implements EventStore.
func (s *KVStore) StoreCommand(ctx context.Context, cmd *eventbus.Command) error {
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	cmd.ID = id
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.now().UTC()
	}
	cmd.LastUpdated = cmd.Timestamp
	return s.put(ctx, "StoreCommand", commandPrefix+formatID(id), cmd)
}

// StoreNotification implements EventStore.
func (s *KVStore) StoreNotification(ctx context.Context, n *eventbus.Notification) error {
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	n.ID = id
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	return s.put(ctx, "StoreNotification", notificationPrefix+formatID(id), n)
}

// UpdateCommand implements EventStore. Concurrent updates of the same
// command are serialized by the entry revision.
func (s *KVStore) UpdateCommand(ctx context.Context, update eventbus.Command) (eventbus.Command, error) {
	key := commandPrefix + formatID(update.ID)
	var merged eventbus.Command

	err := retry.Do(ctx, retry.Handshake(s.attempts), func(int) error {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return retry.NonRetryable(errors.WrapInvalid(errors.ErrNotFound, "KVStore", "UpdateCommand", "find command"))
		}
		if err != nil {
			return retry.NonRetryable(errors.WrapTransient(err, "KVStore", "UpdateCommand", "get "+key))
		}

		var cmd eventbus.Command
		if err := json.Unmarshal(entry.Value(), &cmd); err != nil {
			return retry.NonRetryable(errors.WrapFatal(err, "KVStore", "UpdateCommand", "decode "+key))
		}
		mergeUpdate(&cmd, update, s.now())
		data, err := json.Marshal(cmd)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			return conflictOrFail(err, "UpdateCommand", key)
		}
		merged = cmd
		return nil
	})
	if err != nil {
		var nonRetryable *retry.NonRetryableError
		if errors.As(err, &nonRetryable) {
			return eventbus.Command{}, nonRetryable.Err
		}
		return eventbus.Command{}, errors.WrapTransient(err, "KVStore", "UpdateCommand", "update "+key)
	}
	return merged, nil
}

// FindCommands implements EventStore.
func (s *KVStore) FindCommands(ctx context.Context, q Query) ([]eventbus.Command, error) {
	commands, err := scan[eventbus.Command](ctx, s.kv, commandPrefix)
	if err != nil {
		return nil, err
	}
	return find(commands, q, func(c eventbus.Command) bool {
		return q.matches(c.DeviceID, c.Command, c.Timestamp)
	}, func(c eventbus.Command) time.Time { return c.Timestamp }), nil
}

// FindNotifications implements EventStore.
func (s *KVStore) FindNotifications(ctx context.Context, q Query) ([]eventbus.Notification, error) {
	notifications, err := scan[eventbus.Notification](ctx, s.kv, notificationPrefix)
	if err != nil {
		return nil, err
	}
	return find(notifications, q, func(n eventbus.Notification) bool {
		return q.matches(n.DeviceID, n.Notification, n.Timestamp)
	}, func(n eventbus.Notification) time.Time { return n.Timestamp }), nil
}

func (s *KVStore) put(ctx context.Context, method, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", method, "encode "+key)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "KVStore", method, "put "+key)
	}
	return nil
}

// nextID advances the shared sequence by one.
func (s *KVStore) nextID(ctx context.Context) (int64, error) {
	var id int64
	err := retry.Do(ctx, retry.Handshake(s.attempts), func(int) error {
		entry, err := s.kv.Get(ctx, sequenceKey)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := s.kv.Create(ctx, sequenceKey, []byte("1")); err != nil {
				return conflictOrFail(err, "nextID", sequenceKey)
			}
			id = 1
			return nil
		}
		if err != nil {
			return retry.NonRetryable(errors.WrapTransient(err, "KVStore", "nextID", "get "+sequenceKey))
		}

		current, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return retry.NonRetryable(errors.WrapFatal(err, "KVStore", "nextID", "parse "+sequenceKey))
		}
		next := current + 1
		if _, err := s.kv.Update(ctx, sequenceKey, []byte(strconv.FormatInt(next, 10)), entry.Revision()); err != nil {
			return conflictOrFail(err, "nextID", sequenceKey)
		}
		id = next
		return nil
	})
	if err != nil {
		var nonRetryable *retry.NonRetryableError
		if errors.As(err, &nonRetryable) {
			return 0, nonRetryable.Err
		}
		return 0, errors.WrapTransient(err, "KVStore", "nextID", "advance "+sequenceKey)
	}
	return id, nil
}

// conflictOrFail keeps revision conflicts retryable and stops on anything
// else.
func conflictOrFail(err error, method, key string) error {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return err
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return err
	}
	return retry.NonRetryable(errors.WrapTransient(err, "KVStore", method, "write "+key))
}

// scan decodes every live entry under prefix.
func scan[E any](ctx context.Context, kv jetstream.KeyValue, prefix string) ([]E, error) {
	lister, err := kv.ListKeysFiltered(ctx, prefix+">")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "scan", "list "+prefix)
	}
	defer func() { _ = lister.Stop() }()

	var out []E
	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "scan", "get "+key)
		}
		var item E
		if err := json.Unmarshal(entry.Value(), &item); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "KVStore", "scan", "decode "+key)
		}
		out = append(out, item)
	}
	return out, nil
}
