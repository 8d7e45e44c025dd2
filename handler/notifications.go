package handler

import (
	"context"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/rpc"
)

// NotificationRequest is the body of notification_insert.
type NotificationRequest struct {
	Notification *eventbus.Notification `json:"notification"`
}

// NotificationsResponse lists notifications.
type NotificationsResponse struct {
	Notifications []eventbus.Notification `json:"notifications"`
}

func (h *Handlers) notificationInsert(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body NotificationRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	switch {
	case body.Notification == nil:
		return rpc.Response{}, invalid("notificationInsert", errors.Missing("notification"))
	case body.Notification.DeviceID == "":
		return rpc.Response{}, invalid("notificationInsert", errors.Missing("notification.deviceId"))
	case body.Notification.Notification == "":
		return rpc.Response{}, invalid("notificationInsert", errors.Missing("notification.notification"))
	}

	n := *body.Notification
	if err := h.store.StoreNotification(ctx, &n); err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "notificationInsert", "store notification")
	}
	if err := h.bus.Publish(ctx, eventbus.NotificationEvent{Notification: n}); err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "notificationInsert", "publish notification")
	}
	return rpc.NewResponse(NotificationRequest{Notification: &n}, true)
}

func (h *Handlers) notificationSearch(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body SearchRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	notifications, err := h.store.FindNotifications(ctx, body.query())
	if err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "notificationSearch", "find notifications")
	}
	return rpc.NewResponse(NotificationsResponse{Notifications: notifications}, true)
}
