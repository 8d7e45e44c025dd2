// Package subscription keeps the bidirectional index between subscribers and
// the subscriptions they hold. The event bus resolves routing through it.
package subscription

import "fmt"

// Subscription types routed by the event bus.
const (
	CommandEvent       = "COMMAND_EVENT"
	CommandUpdateEvent = "COMMAND_UPDATE_EVENT"
	NotificationEvent  = "NOTIFICATION_EVENT"
)

// Subscriber is the recipient of routed events. ID is the subscription
// request id; responses go to ReplyTo tagged with CorrelationID.
type Subscriber struct {
	ID            int64  `json:"id"`
	ReplyTo       string `json:"replyTo"`
	CorrelationID string `json:"correlationId"`
}

// Subscription is an event type scoped to a device and optionally to one
// event name. It is comparable and used directly as a map key.
type Subscription struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
}

// New returns a subscription to every event of typ for a device.
func New(typ, deviceID string) Subscription {
	return Subscription{Type: typ, EntityID: deviceID}
}

// Named returns a subscription narrowed to one event name.
func Named(typ, deviceID, name string) Subscription {
	return Subscription{Type: typ, EntityID: deviceID, Name: name}
}

func (s Subscription) String() string {
	if s.Name == "" {
		return fmt.Sprintf("%s(%s)", s.Type, s.EntityID)
	}
	return fmt.Sprintf("%s(%s,%s)", s.Type, s.EntityID, s.Name)
}
