// Package handler implements the backend actions served by the RPC server:
// storing and searching device events, publishing them on the event bus, and
// managing client and plugin subscriptions.
package handler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/rpc"
	"github.com/c360/hiveroute/subscription"
)

// Actions served by the backend.
const (
	ActionCommandInsert           = "command_insert"
	ActionCommandUpdate           = "command_update"
	ActionCommandSearch           = "command_search"
	ActionCommandSubscribe        = "command_subscribe"
	ActionCommandUnsubscribe      = "command_unsubscribe"
	ActionCommandUpdateSubscribe  = "command_update_subscribe"
	ActionNotificationInsert      = "notification_insert"
	ActionNotificationSearch      = "notification_search"
	ActionNotificationSubscribe   = "notification_subscribe"
	ActionNotificationUnsubscribe = "notification_unsubscribe"
	ActionPluginSubscribe         = "plugin_subscribe"
	ActionPluginUnsubscribe       = "plugin_unsubscribe"
	ActionDeviceDelete            = "device_delete"
)

// Handlers holds the collaborators shared by every action.
type Handlers struct {
	bus        *eventbus.Bus
	store      EventStore
	filters    filter.Registry
	dispatcher rpc.MessageDispatcher
	logger     *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithStreamCloser lets unsubscribe handlers end the subscription stream
// with a terminal response, releasing the caller's pending call.
func WithStreamCloser(d rpc.MessageDispatcher) Option {
	return func(h *Handlers) {
		h.dispatcher = d
	}
}

// New creates handlers over bus and store. The filter registry is taken
// from the bus; plugin actions fail without one.
func New(bus *eventbus.Bus, store EventStore, opts ...Option) *Handlers {
	h := &Handlers{
		bus:     bus,
		store:   store,
		filters: bus.Filters(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "handler")
	return h
}

// Table returns the action table for rpc.NewDispatcher.
func (h *Handlers) Table() rpc.Table {
	return rpc.Table{
		ActionCommandInsert:           rpc.HandlerFunc(h.commandInsert),
		ActionCommandUpdate:           rpc.HandlerFunc(h.commandUpdate),
		ActionCommandSearch:           rpc.HandlerFunc(h.commandSearch),
		ActionCommandSubscribe:        rpc.HandlerFunc(h.commandSubscribe),
		ActionCommandUnsubscribe:      rpc.HandlerFunc(h.unsubscribe),
		ActionCommandUpdateSubscribe:  rpc.HandlerFunc(h.commandUpdateSubscribe),
		ActionNotificationInsert:      rpc.HandlerFunc(h.notificationInsert),
		ActionNotificationSearch:      rpc.HandlerFunc(h.notificationSearch),
		ActionNotificationSubscribe:   rpc.HandlerFunc(h.notificationSubscribe),
		ActionNotificationUnsubscribe: rpc.HandlerFunc(h.unsubscribe),
		ActionPluginSubscribe:         rpc.HandlerFunc(h.pluginSubscribe),
		ActionPluginUnsubscribe:       rpc.HandlerFunc(h.pluginUnsubscribe),
		ActionDeviceDelete:            rpc.HandlerFunc(h.deviceDelete),
	}
}

// SearchRequest is the body of the search actions.
type SearchRequest struct {
	DeviceID string     `json:"deviceId"`
	Names    []string   `json:"names,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Take     int        `json:"take,omitempty"`
}

func (r SearchRequest) query() Query {
	q := Query{DeviceID: r.DeviceID, Names: r.Names, Limit: r.Take}
	if r.Start != nil {
		q.Since = *r.Start
	}
	if r.End != nil {
		q.Until = *r.End
	}
	return q
}

// DeviceRequest is the body of device_delete.
type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (h *Handlers) deviceDelete(_ context.Context, req rpc.Request) (rpc.Response, error) {
	var body DeviceRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	if body.DeviceID == "" {
		return rpc.Response{}, invalid("deviceDelete", errors.Missing("deviceId"))
	}

	h.bus.UnsubscribeDevice(body.DeviceID)
	if h.filters != nil {
		h.filters.UnregisterDevice(body.DeviceID)
	}
	h.logger.Info("Device subscriptions removed", "device", body.DeviceID)
	return rpc.NewResponse(body, true)
}

func invalid(method string, err error) error {
	return errors.WrapInvalid(err, "Handler", method, "validate request")
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// subscriberFor builds the subscriber answering on the request's reply
// address and correlation id.
func subscriberFor(method string, req rpc.Request, id int64) (subscription.Subscriber, error) {
	if id == 0 {
		return subscription.Subscriber{}, invalid(method, errors.Missing("subscriptionId"))
	}
	if req.ReplyTo == "" {
		return subscription.Subscriber{}, invalid(method, errors.Missing("replyTo"))
	}
	return subscription.Subscriber{ID: id, ReplyTo: req.ReplyTo, CorrelationID: req.CorrelationID}, nil
}
