package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/hiveroute/errors"
)

// Transport is the subject-based messaging the RPC layer runs on. It is
// satisfied by natsclient.Client and testutil.MockNATSClient.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	QueueSubscribe(ctx context.Context, subject, queue string, handler func(context.Context, []byte)) error
}

// MessageDispatcher sends a Response to a reply address.
type MessageDispatcher interface {
	Send(ctx context.Context, address string, resp Response) error
}

// TransportDispatcher is the MessageDispatcher publishing JSON responses on
// a Transport.
type TransportDispatcher struct {
	transport Transport
	logger    *slog.Logger
}

var _ MessageDispatcher = (*TransportDispatcher)(nil)

// NewTransportDispatcher creates a dispatcher over transport.
func NewTransportDispatcher(transport Transport, logger *slog.Logger) *TransportDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportDispatcher{transport: transport, logger: logger}
}

// Send implements MessageDispatcher.
func (d *TransportDispatcher) Send(ctx context.Context, address string, resp Response) error {
	if address == "" {
		return errors.WrapInvalid(errors.Missing("reply address"), "TransportDispatcher", "Send", "check address")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.WrapInvalid(err, "TransportDispatcher", "Send", "marshal response")
	}
	if err := d.transport.Publish(ctx, address, data); err != nil {
		return errors.WrapTransient(err, "TransportDispatcher", "Send", "publish response")
	}
	d.logger.Debug("Response sent", "address", address, "correlation_id", resp.CorrelationID, "last", resp.Last)
	return nil
}
