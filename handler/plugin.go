package handler

import (
	"context"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/rpc"
	"github.com/c360/hiveroute/subscription"
)

// PluginSubscribeRequest is the body of plugin_subscribe. The filter scope
// is registered once for each requested event kind; its EventName is
// ignored.
type PluginSubscribeRequest struct {
	SubscriptionID        int64         `json:"subscriptionId"`
	Filter                filter.Filter `json:"filter"`
	ReturnCommands        bool          `json:"returnCommands"`
	ReturnUpdatedCommands bool          `json:"returnUpdatedCommands"`
	ReturnNotifications   bool          `json:"returnNotifications"`
}

func (r PluginSubscribeRequest) eventNames() []string {
	var names []string
	if r.ReturnCommands {
		names = append(names, filter.EventCommand)
	}
	if r.ReturnUpdatedCommands {
		names = append(names, filter.EventCommandUpdate)
	}
	if r.ReturnNotifications {
		names = append(names, filter.EventNotification)
	}
	return names
}

func (h *Handlers) pluginSubscribe(_ context.Context, req rpc.Request) (rpc.Response, error) {
	if h.filters == nil {
		return rpc.Response{}, errors.WrapFatal(errors.ErrMissingConfig, "Handler", "pluginSubscribe", "find filter registry")
	}
	var body PluginSubscribeRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	kinds := body.eventNames()
	if len(kinds) == 0 {
		return rpc.Response{}, invalid("pluginSubscribe", errors.Missing("returnCommands, returnUpdatedCommands or returnNotifications"))
	}
	s, err := subscriberFor("pluginSubscribe", req, body.SubscriptionID)
	if err != nil {
		return rpc.Response{}, err
	}
	// Every kind shares the scope lists, so one check covers them all and
	// filters from earlier calls with the same id stay untouched.
	if err := body.Filter.Validate(); err != nil {
		return rpc.Response{}, invalid("pluginSubscribe", err)
	}

	for _, kind := range kinds {
		f := body.Filter
		f.EventName = kind
		if err := h.filters.Register(f, s); err != nil {
			return rpc.Response{}, err
		}
	}
	h.logger.Debug("Plugin subscribed", "subscriber", s.ID, "filter", body.Filter.String(), "kinds", kinds)
	return rpc.NewResponse(SubscribeResponse{SubscriptionID: s.ID}, false)
}

func (h *Handlers) pluginUnsubscribe(_ context.Context, req rpc.Request) (rpc.Response, error) {
	if h.filters == nil {
		return rpc.Response{}, errors.WrapFatal(errors.ErrMissingConfig, "Handler", "pluginUnsubscribe", "find filter registry")
	}
	var body UnsubscribeRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	if body.SubscriptionID == 0 {
		return rpc.Response{}, invalid("pluginUnsubscribe", errors.Missing("subscriptionId"))
	}

	h.filters.Unregister(subscription.Subscriber{ID: body.SubscriptionID})
	return rpc.NewResponse(body, true)
}
