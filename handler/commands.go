package handler

import (
	"context"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/rpc"
)

// CommandRequest is the body of command_insert and command_update.
type CommandRequest struct {
	Command *eventbus.Command `json:"command"`
}

// CommandsResponse lists commands.
type CommandsResponse struct {
	Commands []eventbus.Command `json:"commands"`
}

func (h *Handlers) commandInsert(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body CommandRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	switch {
	case body.Command == nil:
		return rpc.Response{}, invalid("commandInsert", errors.Missing("command"))
	case body.Command.DeviceID == "":
		return rpc.Response{}, invalid("commandInsert", errors.Missing("command.deviceId"))
	case body.Command.Command == "":
		return rpc.Response{}, invalid("commandInsert", errors.Missing("command.command"))
	}

	cmd := *body.Command
	if err := h.store.StoreCommand(ctx, &cmd); err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "commandInsert", "store command")
	}
	if err := h.bus.Publish(ctx, eventbus.CommandEvent{Command: cmd}); err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "commandInsert", "publish command")
	}
	return rpc.NewResponse(CommandRequest{Command: &cmd}, true)
}

func (h *Handlers) commandUpdate(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body CommandRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	switch {
	case body.Command == nil:
		return rpc.Response{}, invalid("commandUpdate", errors.Missing("command"))
	case body.Command.ID == 0:
		return rpc.Response{}, invalid("commandUpdate", errors.Missing("command.id"))
	}

	cmd, err := h.store.UpdateCommand(ctx, *body.Command)
	if err != nil {
		return rpc.Response{}, err
	}
	if err := h.bus.Publish(ctx, eventbus.CommandUpdateEvent{Command: cmd}); err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "commandUpdate", "publish update")
	}
	return rpc.NewResponse(CommandRequest{Command: &cmd}, true)
}

func (h *Handlers) commandSearch(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	var body SearchRequest
	if err := req.Decode(&body); err != nil {
		return rpc.Response{}, err
	}
	commands, err := h.store.FindCommands(ctx, body.query())
	if err != nil {
		return rpc.Response{}, errors.Wrap(err, "Handler", "commandSearch", "find commands")
	}
	return rpc.NewResponse(CommandsResponse{Commands: commands}, true)
}
