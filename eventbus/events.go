package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/subscription"
)

// Command is a device command as routed by the bus.
type Command struct {
	ID           int64           `json:"id"`
	Command      string          `json:"command"`
	DeviceID     string          `json:"deviceId"`
	NetworkID    int64           `json:"networkId,omitempty"`
	DeviceTypeID int64           `json:"deviceTypeId,omitempty"`
	UserID       int64           `json:"userId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Lifetime     int             `json:"lifetime,omitempty"`
	Status       string          `json:"status,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	IsUpdated    bool            `json:"isUpdated,omitempty"`
}

// Notification is a device notification as routed by the bus.
type Notification struct {
	ID           int64           `json:"id"`
	Notification string          `json:"notification"`
	DeviceID     string          `json:"deviceId"`
	NetworkID    int64           `json:"networkId,omitempty"`
	DeviceTypeID int64           `json:"deviceTypeId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// Event is something subscribers can be told about.
type Event interface {
	// Type is the subscription type the event is delivered under.
	Type() string
	// ApplicableSubscriptions lists every subscription the event satisfies.
	ApplicableSubscriptions() []subscription.Subscription
	// Filter describes the event for filter registry lookups.
	Filter() filter.Filter
}

// CommandEvent announces a new command.
type CommandEvent struct {
	Command Command
}

// Type implements Event.
func (e CommandEvent) Type() string { return subscription.CommandEvent }

// ApplicableSubscriptions implements Event.
func (e CommandEvent) ApplicableSubscriptions() []subscription.Subscription {
	return scoped(subscription.CommandEvent, e.Command.DeviceID, e.Command.Command)
}

// Filter implements Event.
func (e CommandEvent) Filter() filter.Filter {
	c := e.Command
	return filter.ForEvent(c.NetworkID, c.DeviceTypeID, c.DeviceID, filter.EventCommand, c.Command)
}

// CommandUpdateEvent announces a change to an existing command. Subscribers
// follow a single command by its id.
type CommandUpdateEvent struct {
	Command Command
}

// Type implements Event.
func (e CommandUpdateEvent) Type() string { return subscription.CommandUpdateEvent }

// ApplicableSubscriptions implements Event.
func (e CommandUpdateEvent) ApplicableSubscriptions() []subscription.Subscription {
	return []subscription.Subscription{
		subscription.New(subscription.CommandUpdateEvent, strconv.FormatInt(e.Command.ID, 10)),
	}
}

// Filter implements Event.
func (e CommandUpdateEvent) Filter() filter.Filter {
	c := e.Command
	return filter.ForEvent(c.NetworkID, c.DeviceTypeID, c.DeviceID, filter.EventCommandUpdate, c.Command)
}

// NotificationEvent announces a new notification.
type NotificationEvent struct {
	Notification Notification
}

// Type implements Event.
func (e NotificationEvent) Type() string { return subscription.NotificationEvent }

// ApplicableSubscriptions implements Event.
func (e NotificationEvent) ApplicableSubscriptions() []subscription.Subscription {
	return scoped(subscription.NotificationEvent, e.Notification.DeviceID, e.Notification.Notification)
}

// Filter implements Event.
func (e NotificationEvent) Filter() filter.Filter {
	n := e.Notification
	return filter.ForEvent(n.NetworkID, n.DeviceTypeID, n.DeviceID, filter.EventNotification, n.Notification)
}

// scoped returns the device-wide subscription and, for a named event, the
// name-scoped one.
func scoped(typ, deviceID, name string) []subscription.Subscription {
	subs := []subscription.Subscription{subscription.New(typ, deviceID)}
	if name != "" {
		subs = append(subs, subscription.Named(typ, deviceID, name))
	}
	return subs
}

// Envelope is the wire form of an event: its type plus exactly one payload.
type Envelope struct {
	Type         string        `json:"type"`
	Command      *Command      `json:"command,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Encode wraps e in an Envelope and marshals it.
func Encode(e Event) (json.RawMessage, error) {
	env := Envelope{Type: e.Type()}
	switch ev := e.(type) {
	case CommandEvent:
		env.Command = &ev.Command
	case CommandUpdateEvent:
		env.Command = &ev.Command
	case NotificationEvent:
		env.Notification = &ev.Notification
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: event %T", errors.ErrInvalidData, e), "eventbus", "Encode", "wrap event")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "eventbus", "Encode", "marshal event")
	}
	return data, nil
}

// Decode reverses Encode.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "eventbus", "Decode", "unmarshal event")
	}
	switch {
	case env.Type == subscription.CommandEvent && env.Command != nil:
		return CommandEvent{Command: *env.Command}, nil
	case env.Type == subscription.CommandUpdateEvent && env.Command != nil:
		return CommandUpdateEvent{Command: *env.Command}, nil
	case env.Type == subscription.NotificationEvent && env.Notification != nil:
		return NotificationEvent{Notification: *env.Notification}, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: event type %q", errors.ErrInvalidData, env.Type), "eventbus", "Decode", "read envelope")
}
