package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/pkg/retry"
)

// Client sends requests to the backend and waits for their responses through
// a shared Matcher. A ResponseListener must be running on the same reply
// subject and partitions for responses to arrive.
type Client struct {
	transport Transport
	matcher   *Matcher
	logger    *slog.Logger

	requestSubject string
	replySubject   string
	partitions     int
	callTimeout    time.Duration
	pingAttempts   int
	pingTimeout    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestSubject sets the subject requests are published to.
func WithRequestSubject(subject string) ClientOption {
	return func(c *Client) {
		if subject != "" {
			c.requestSubject = subject
		}
	}
}

// WithReplySubject sets the base reply subject and its partition count.
func WithReplySubject(subject string, partitions int) ClientOption {
	return func(c *Client) {
		if subject != "" {
			c.replySubject = subject
		}
		if partitions > 0 {
			c.partitions = partitions
		}
	}
}

// WithCallTimeout bounds CallSync when the caller's context has no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithPing sets the startup handshake attempts and the wait for each.
func WithPing(attempts int, timeout time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.pingAttempts = attempts
		}
		if timeout > 0 {
			c.pingTimeout = timeout
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client publishing on transport.
func NewClient(transport Transport, matcher *Matcher, opts ...ClientOption) *Client {
	c := &Client{
		transport:      transport,
		matcher:        matcher,
		logger:         slog.Default(),
		requestSubject: "request_topic",
		replySubject:   "response_topic",
		partitions:     3,
		callTimeout:    30 * time.Second,
		pingAttempts:   10,
		pingTimeout:    3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReplyAddress returns the reply subject for a correlation id.
func (c *Client) ReplyAddress(correlationID string) string {
	return PartitionSubject(c.replySubject, Partition(correlationID, c.partitions))
}

// Call sends req and delivers every response for it to callback until one
// has Last set or ctx is done. If sending fails the call is removed and the
// error returned; callback is never invoked for it.
func (c *Client) Call(ctx context.Context, req Request, callback Callback) error {
	if len(req.Body) == 0 {
		return errors.WrapInvalid(errors.ErrNoBody, "Client", "Call", "check request "+req.Action)
	}
	return c.call(ctx, req, callback)
}

// Push sends req without waiting for a response.
func (c *Client) Push(ctx context.Context, req Request) error {
	if len(req.Body) == 0 {
		return errors.WrapInvalid(errors.ErrNoBody, "Client", "Push", "check request "+req.Action)
	}
	req.ReplyTo = ""
	return c.send(ctx, req)
}

// CallSync sends req and waits for its terminal response. Intermediate
// responses are discarded. Without a deadline on ctx the configured call
// timeout applies.
func (c *Client) CallSync(ctx context.Context, req Request) (Response, error) {
	if len(req.Body) == 0 && req.Type != TypePing {
		return Response{}, errors.WrapInvalid(errors.ErrNoBody, "Client", "CallSync", "check request "+req.Action)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	done := make(chan Response, 1)
	err := c.call(ctx, req, func(resp Response) {
		if resp.Last {
			done <- resp
		}
	})
	if err != nil {
		return Response{}, err
	}

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		c.matcher.Remove(req.CorrelationID)
		return Response{}, errors.WrapTransient(errors.Join(errors.ErrCallCancelled, ctx.Err()),
			"Client", "CallSync", "wait for "+req.CorrelationID)
	}
}

// Ping checks that a backend answers on the request subject.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	resp, err := c.CallSync(ctx, Request{
		CorrelationID: uuid.NewString(),
		Type:          TypePing,
		Last:          true,
	})
	if err != nil {
		return err
	}
	if resp.Failed() {
		return errors.WrapTransient(resp.Err(), "Client", "Ping", "read ping response")
	}
	return nil
}

// Start blocks until a backend answers a ping, trying up to the configured
// number of attempts.
func (c *Client) Start(ctx context.Context) error {
	err := retry.Do(ctx, retry.Handshake(c.pingAttempts), func(attempt int) error {
		c.logger.Info("Pinging backend", "attempt", attempt, "subject", c.requestSubject)
		err := c.Ping(ctx)
		if err != nil {
			c.logger.Warn("Backend did not answer ping", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return errors.WrapFatal(errors.Join(errors.ErrBackendUnreachable, err), "Client", "Start",
			fmt.Sprintf("ping backend in %d attempts", c.pingAttempts))
	}
	c.logger.Info("Connected to backend", "subject", c.requestSubject)
	return nil
}

func (c *Client) call(ctx context.Context, req Request, callback Callback) error {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	req.ReplyTo = c.ReplyAddress(req.CorrelationID)

	if err := c.matcher.Add(ctx, req.CorrelationID, callback); err != nil {
		return err
	}
	c.logger.Debug("Call registered", "correlation_id", req.CorrelationID, "action", req.Action)

	if err := c.send(ctx, req); err != nil {
		c.matcher.Remove(req.CorrelationID)
		return err
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request) error {
	if req.Type == "" {
		req.Type = TypeClientRequest
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "send", "marshal request")
	}
	if err := c.transport.Publish(ctx, c.requestSubject, data); err != nil {
		c.logger.Error("Send request failed", "correlation_id", req.CorrelationID, "error", err)
		return errors.WrapTransient(err, "Client", "send", "publish request")
	}
	return nil
}
