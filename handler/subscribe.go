package handler

import (
	"context"
	"time"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/rpc"
	"github.com/c360/hiveroute/subscription"
)

// SubscribeRequest is the body of command_subscribe and
// notification_subscribe. With Timestamp set, events newer than it are
// replayed in the first response.
type SubscribeRequest struct {
	SubscriptionID int64      `json:"subscriptionId"`
	DeviceID       string     `json:"deviceId"`
	Names          []string   `json:"names,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// CommandUpdateSubscribeRequest is the body of command_update_subscribe.
type CommandUpdateSubscribeRequest struct {
	SubscriptionID int64  `json:"subscriptionId"`
	CommandID      int64  `json:"commandId"`
	DeviceID       string `json:"deviceId,omitempty"`
}

// UnsubscribeRequest is the body of the unsubscribe actions.
type UnsubscribeRequest struct {
	SubscriptionID int64 `json:"subscriptionId"`
}

// SubscribeResponse opens a subscription stream.
type SubscribeResponse struct {
	SubscriptionID int64                   `json:"subscriptionId"`
	Commands       []eventbus.Command      `json:"commands,omitempty"`
	Notifications  []eventbus.Notification `json:"notifications,omitempty"`
}

func (h *Handlers) commandSubscribe(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	body, s, err := h.subscribe("commandSubscribe", req, subscription.CommandEvent)
	if err != nil {
		return rpc.Response{}, err
	}

	resp := SubscribeResponse{SubscriptionID: s.ID}
	if body.Timestamp != nil {
		resp.Commands, err = h.store.FindCommands(ctx, replayQuery(body))
		if err != nil {
			return rpc.Response{}, errors.Wrap(err, "Handler", "commandSubscribe", "replay commands")
		}
	}
	return rpc.NewResponse(resp, false)
}

func (h *Handlers) notificationSubscribe(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	body, s, err := h.subscribe("notificationSubscribe", req, subscription.NotificationEvent)
	if err != nil {
		return rpc.Response{}, err
	}

	resp := SubscribeResponse{SubscriptionID: s.ID}
	if body.Timestamp != nil {
		resp.Notifications, err = h.store.FindNotifications(ctx, replayQuery(body))
		if err != nil {
			return rpc.Response{}, errors.Wrap(err, "Handler", "notificationSubscribe", "replay notifications")
		}
	}
	return rpc.NewResponse(resp, false)
}

func (h *Handlers) commandUpdateSubscribe(_ context.Context, req rpc.Request) (rpc.Response, error) {
	var body CommandUpdateSubscribeRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	if body.CommandID == 0 {
		return rpc.Response{}, invalid("commandUpdateSubscribe", errors.Missing("commandId"))
	}
	s, err := subscriberFor("commandUpdateSubscribe", req, body.SubscriptionID)
	if err != nil {
		return rpc.Response{}, err
	}

	h.bus.Subscribe(s, subscription.New(subscription.CommandUpdateEvent, formatID(body.CommandID)))
	return rpc.NewResponse(SubscribeResponse{SubscriptionID: s.ID}, false)
}

// subscribe registers the request's subscriber for typ on the requested
// device, once per name or device-wide when no names are given.
func (h *Handlers) subscribe(method string, req rpc.Request, typ string) (SubscribeRequest, subscription.Subscriber, error) {
	var body SubscribeRequest
	if err := req.Decode(&body); err != nil {
		return body, subscription.Subscriber{}, err
	}
	if body.DeviceID == "" {
		return body, subscription.Subscriber{}, invalid(method, errors.Missing("deviceId"))
	}
	s, err := subscriberFor(method, req, body.SubscriptionID)
	if err != nil {
		return body, subscription.Subscriber{}, err
	}

	if len(body.Names) == 0 {
		h.bus.Subscribe(s, subscription.New(typ, body.DeviceID))
	}
	for _, name := range body.Names {
		h.bus.Subscribe(s, subscription.Named(typ, body.DeviceID, name))
	}
	return body, s, nil
}

func replayQuery(body SubscribeRequest) Query {
	return Query{DeviceID: body.DeviceID, Names: body.Names, Since: *body.Timestamp, Limit: body.Limit}
}

func (h *Handlers) unsubscribe(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body UnsubscribeRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	if body.SubscriptionID == 0 {
		return rpc.Response{}, invalid("unsubscribe", errors.Missing("subscriptionId"))
	}

	s, ok := h.bus.Registry().Subscriber(body.SubscriptionID)
	if !ok {
		return rpc.Response{}, errors.WrapInvalid(errors.ErrNotFound, "Handler", "unsubscribe",
			"find subscription "+formatID(body.SubscriptionID))
	}
	h.bus.Unsubscribe(s)
	h.closeStream(ctx, s)
	return rpc.NewResponse(UnsubscribeRequest{SubscriptionID: s.ID}, true)
}

// closeStream sends the terminal response of a subscription stream.
func (h *Handlers) closeStream(ctx context.Context, s subscription.Subscriber) {
	if h.dispatcher == nil {
		return
	}
	resp, _ := rpc.NewResponse(UnsubscribeRequest{SubscriptionID: s.ID}, true)
	resp.CorrelationID = s.CorrelationID
	if err := h.dispatcher.Send(ctx, s.ReplyTo, resp); err != nil {
		h.logger.Warn("Failed to close subscription stream", "subscriber", s.ID, "error", err)
	}
}
