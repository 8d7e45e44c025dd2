package filter

import (
	"context"
	"encoding/json"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/natsclient"
	"github.com/c360/hiveroute/subscription"
)

// SyncAction names a registry mutation replicated between nodes.
type SyncAction string

// Replicated mutations.
const (
	ActionRegister             SyncAction = "REGISTER"
	ActionUnregister           SyncAction = "UNREGISTER"
	ActionUnregisterDevice     SyncAction = "UNREGISTER_DEVICE"
	ActionUnregisterNetwork    SyncAction = "UNREGISTER_NETWORK"
	ActionUnregisterDeviceType SyncAction = "UNREGISTER_DEVICE_TYPE"
)

// SyncMessage carries one registry mutation to peer nodes. ID is unique per
// mutation and Origin is the publishing node, so receivers can drop echoes
// and redeliveries.
type SyncMessage struct {
	ID           string                   `json:"id"`
	Origin       string                   `json:"origin"`
	Action       SyncAction               `json:"action"`
	Filter       *Filter                  `json:"filter,omitempty"`
	Subscriber   *subscription.Subscriber `json:"subscriber,omitempty"`
	DeviceIDs    []string                 `json:"deviceIds,omitempty"`
	NetworkID    int64                    `json:"networkId,omitempty"`
	DeviceTypeID int64                    `json:"deviceTypeId,omitempty"`
}

// Validate checks that the fields required by Action are present.
func (m SyncMessage) Validate() error {
	var err error
	switch {
	case m.ID == "":
		err = errors.Missing("id")
	case m.Origin == "":
		err = errors.Missing("origin")
	}
	if err == nil {
		switch m.Action {
		case ActionRegister:
			switch {
			case m.Filter == nil:
				err = errors.Missing("filter")
			case m.Subscriber == nil:
				err = errors.Missing("subscriber")
			default:
				err = m.Filter.Validate()
			}
		case ActionUnregister:
			if m.Subscriber == nil {
				err = errors.Missing("subscriber")
			}
		case ActionUnregisterDevice:
			if len(m.DeviceIDs) == 0 {
				err = errors.Missing("deviceIds")
			}
		case ActionUnregisterNetwork:
			if m.NetworkID == 0 {
				err = errors.Missing("networkId")
			}
		case ActionUnregisterDeviceType:
			if m.DeviceTypeID == 0 {
				err = errors.Missing("deviceTypeId")
			}
		default:
			err = errors.ErrUnsupportedAction
		}
	}
	if err != nil {
		return errors.WrapInvalid(err, "SyncMessage", "Validate", "check "+string(m.Action))
	}
	return nil
}

// apply performs the mutation on r.
func (m SyncMessage) apply(r Registry) error {
	switch m.Action {
	case ActionRegister:
		return r.Register(*m.Filter, *m.Subscriber)
	case ActionUnregister:
		r.Unregister(*m.Subscriber)
	case ActionUnregisterDevice:
		for _, id := range m.DeviceIDs {
			r.UnregisterDevice(id)
		}
	case ActionUnregisterNetwork:
		r.UnregisterNetwork(m.NetworkID)
	case ActionUnregisterDeviceType:
		r.UnregisterDeviceType(m.DeviceTypeID)
	}
	return nil
}

func decodeSyncMessage(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.WrapInvalid(errors.ErrInvalidData, "SyncMessage", "decode", "unmarshal json: "+err.Error())
	}
	return m, m.Validate()
}

// SyncChannel broadcasts sync messages to every node, including the sender.
type SyncChannel interface {
	Publish(ctx context.Context, data []byte) error
	// Consume delivers every message published after the call to handler
	// until ctx is done.
	Consume(ctx context.Context, handler func([]byte)) error
}

// StreamClient is the part of natsclient.Client a StreamChannel needs.
type StreamClient interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
	ConsumeStream(ctx context.Context, stream, subject string, handler func([]byte), opts ...natsclient.ConsumeOption) error
}

// StreamChannel is a SyncChannel over a JetStream stream. Each node attaches
// its own DeliverNew consumer, so all nodes see every message once and a
// restarting node skips history.
type StreamChannel struct {
	client  StreamClient
	stream  string
	subject string
}

var _ SyncChannel = (*StreamChannel)(nil)

// NewStreamChannel creates a channel publishing to subject on stream.
func NewStreamChannel(client StreamClient, stream, subject string) *StreamChannel {
	return &StreamChannel{client: client, stream: stream, subject: subject}
}

// Publish implements SyncChannel.
func (c *StreamChannel) Publish(ctx context.Context, data []byte) error {
	return c.client.PublishToStream(ctx, c.subject, data)
}

// Consume implements SyncChannel.
func (c *StreamChannel) Consume(ctx context.Context, handler func([]byte)) error {
	return c.client.ConsumeStream(ctx, c.stream, c.subject, handler, natsclient.WithDeliverNew())
}
