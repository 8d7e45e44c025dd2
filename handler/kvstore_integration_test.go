//go:build integration

package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/natsclient"
)

// KVStoreSuite runs two stores on separate connections against one NATS
// container. Each test gets its own bucket.
type KVStoreSuite struct {
	suite.Suite
	tc      *natsclient.TestClient
	peer    *natsclient.Client
	buckets int
	a, b    *KVStore
}

func TestKVStoreSuite(t *testing.T) {
	suite.Run(t, new(KVStoreSuite))
}

func (s *KVStoreSuite) SetupSuite() {
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
	s.peer = s.tc.NewPeer(s.T())
}

func (s *KVStoreSuite) SetupTest() {
	s.buckets++
	ctx := context.Background()
	cfg := jetstream.KeyValueConfig{Bucket: fmt.Sprintf("DEVICE_EVENTS_%d", s.buckets), TTL: time.Hour}

	kv1, err := s.tc.Client.EnsureKeyValue(ctx, cfg)
	s.Require().NoError(err)
	kv2, err := s.peer.EnsureKeyValue(ctx, cfg)
	s.Require().NoError(err)
	s.a, s.b = NewKVStore(kv1), NewKVStore(kv2)
}

func (s *KVStoreSuite) TestSharedHistory() {
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids = make(map[int64]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		store := s.a
		if i%2 == 1 {
			store = s.b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := eventbus.Command{DeviceID: "d1", Command: "reboot"}
			assert.NoError(s.T(), store.StoreCommand(ctx, &cmd))
			mu.Lock()
			ids[cmd.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	s.Len(ids, 10, "ids are unique across nodes")

	found, err := s.b.FindCommands(ctx, Query{DeviceID: "d1"})
	s.Require().NoError(err)
	s.Len(found, 10)

	updated, err := s.b.UpdateCommand(ctx, eventbus.Command{ID: found[0].ID, Status: "done"})
	s.Require().NoError(err)
	s.True(updated.IsUpdated)

	again, err := s.a.FindCommands(ctx, Query{DeviceID: "d1", Limit: 10})
	s.Require().NoError(err)
	for _, c := range again {
		if c.ID == found[0].ID {
			s.Equal("done", c.Status)
		}
	}
}

func (s *KVStoreSuite) TestNotifications() {
	ctx := context.Background()

	empty, err := s.a.FindNotifications(ctx, Query{})
	s.Require().NoError(err)
	s.Empty(empty)

	for _, name := range []string{"temperature", "humidity"} {
		n := eventbus.Notification{DeviceID: "d1", Notification: name}
		s.Require().NoError(s.a.StoreNotification(ctx, &n))
	}
	found, err := s.b.FindNotifications(ctx, Query{Names: []string{"humidity"}})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("humidity", found[0].Notification)
}

func (s *KVStoreSuite) TestUpdateMissingCommand() {
	_, err := s.a.UpdateCommand(context.Background(), eventbus.Command{ID: 999, Status: "done"})
	s.ErrorIs(err, errors.ErrNotFound)
	s.True(errors.IsInvalid(err))
}
