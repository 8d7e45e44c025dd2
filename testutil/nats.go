// Package testutil provides an in-memory NATS transport and wait helpers for
// tests that exercise the routing core without a server.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360/hiveroute/natsclient"
)

type subEntry struct {
	handle func(context.Context, []byte)
}

type streamEntry struct {
	consume func([]byte)
}

type queueGroup struct {
	handlers []*subEntry
	next     int
}

func without[E comparable](list []E, e E) []E {
	for i, v := range list {
		if v == e {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// MockNATSClient is an in-memory stand-in for natsclient.Client. Publish
// delivers synchronously: plain subscribers all receive the message, each
// queue group delivers it to one member in turn. Stream consumers behave as
// independent DeliverNew consumers, so every consumer sees every message.
// Subscriptions and consumers are removed when their ctx is done.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions map[string][]*subEntry
	queues        map[string]map[string]*queueGroup
	consumers     map[string][]*streamEntry
	publishErrs   map[string]error
	closed        bool
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages:      make(map[string][][]byte),
		subscriptions: make(map[string][]*subEntry),
		queues:        make(map[string]map[string]*queueGroup),
		consumers:     make(map[string][]*streamEntry),
		publishErrs:   make(map[string]error),
	}
}

// SetPublishError makes Publish and PublishToStream on subject fail with err.
// An empty subject applies to every subject; a nil err clears the entry.
func (c *MockNATSClient) SetPublishError(subject string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.publishErrs, subject)
		return
	}
	c.publishErrs[subject] = err
}

// failure requires c.mu held.
func (c *MockNATSClient) failure(subject string) error {
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if err, ok := c.publishErrs[subject]; ok {
		return err
	}
	return c.publishErrs[""]
}

// Publish publishes a message to a subject.
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if err := c.failure(subject); err != nil {
		c.mu.Unlock()
		return err
	}

	c.messages[subject] = append(c.messages[subject], data)

	// Copy handlers to avoid holding lock during callbacks
	handlers := make([]func(context.Context, []byte), 0, len(c.subscriptions[subject]))
	for _, e := range c.subscriptions[subject] {
		handlers = append(handlers, e.handle)
	}
	for _, group := range c.queues[subject] {
		if len(group.handlers) == 0 {
			continue
		}
		handlers = append(handlers, group.handlers[group.next%len(group.handlers)].handle)
		group.next++
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	e := &subEntry{handle: handler}
	c.subscriptions[subject] = append(c.subscriptions[subject], e)
	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subscriptions[subject] = without(c.subscriptions[subject], e)
	})
	return nil
}

// QueueSubscribe joins handler to a queue group on subject.
func (c *MockNATSClient) QueueSubscribe(
	ctx context.Context, subject, queue string, handler func(context.Context, []byte),
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	groups := c.queues[subject]
	if groups == nil {
		groups = make(map[string]*queueGroup)
		c.queues[subject] = groups
	}
	group := groups[queue]
	if group == nil {
		group = &queueGroup{}
		groups[queue] = group
	}
	e := &subEntry{handle: handler}
	group.handlers = append(group.handlers, e)
	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		group.handlers = without(group.handlers, e)
	})
	return nil
}

// PublishToStream records data and hands it to every stream consumer of subject.
func (c *MockNATSClient) PublishToStream(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if err := c.failure(subject); err != nil {
		c.mu.Unlock()
		return err
	}
	c.messages[subject] = append(c.messages[subject], data)
	consumers := append([]*streamEntry{}, c.consumers[subject]...)
	c.mu.Unlock()

	for _, e := range consumers {
		e.consume(data)
	}
	return nil
}

// ConsumeStream registers handler for stream messages on subject until ctx
// is done. The stream name and consumer options are accepted for signature
// compatibility only.
func (c *MockNATSClient) ConsumeStream(
	ctx context.Context, _, subject string, handler func([]byte), _ ...natsclient.ConsumeOption,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	e := &streamEntry{consume: handler}
	c.consumers[subject] = append(c.consumers[subject], e)
	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.consumers[subject] = without(c.consumers[subject], e)
	})
	return nil
}

// GetMessages returns a copy of all messages published on subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// GetMessageCount returns the number of messages on a subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// Clear clears all messages from a subject.
func (c *MockNATSClient) Clear(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, subject)
}

// Close closes the mock client.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed returns whether the client is closed.
func (c *MockNATSClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// WaitForMessage waits for a message on subject and returns the latest one.
func WaitForMessage(t *testing.T, client *MockNATSClient, subject string, timeout time.Duration) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if messages := client.GetMessages(subject); len(messages) > 0 {
			return messages[len(messages)-1]
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for message on subject %s", subject)
			return nil
		case <-ticker.C:
		}
	}
}

// WaitForMessageCount waits until subject has at least count messages.
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.GetMessageCount(subject) >= count {
			return
		}
		select {
		case <-ctx.Done():
			got := client.GetMessageCount(subject)
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, got)
			return
		case <-ticker.C:
		}
	}
}

// AssertNoMessages checks that no messages were published on subject.
func AssertNoMessages(t *testing.T, client *MockNATSClient, subject string) {
	t.Helper()

	if n := client.GetMessageCount(subject); n > 0 {
		t.Fatalf("expected no messages on subject %s, got %d", subject, n)
	}
}
