// Package rpc carries requests from frontend processes to backend workers and
// correlates the responses. Requests travel on a queue-group subject; each
// response goes to the reply subject named in its request, where a matcher
// routes it to the waiting caller by correlation id.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/hiveroute/errors"
)

// RequestType distinguishes application requests from the startup ping.
type RequestType string

// Request types.
const (
	TypeClientRequest RequestType = "client_request"
	TypePing          RequestType = "ping"
)

// Response statuses. Any non-zero status is a failure whose body is an
// ErrorBody.
const (
	StatusOK          = 0
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusServerError = 500
)

// Request is one call to the backend. Last reports whether a single response
// is expected; streaming calls such as subscriptions set it to false.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Action        string          `json:"action,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Last          bool            `json:"last"`
	PartitionKey  string          `json:"partitionKey,omitempty"`
	Type          RequestType     `json:"type,omitempty"`
}

// NewRequest builds a single-reply client request with a fresh correlation
// id. body is encoded as JSON; a nil body leaves Body empty.
func NewRequest(action string, body any) (Request, error) {
	req := Request{
		CorrelationID: uuid.NewString(),
		Action:        action,
		Last:          true,
		Type:          TypeClientRequest,
	}
	if body == nil {
		return req, nil
	}
	data, err := Encode(body)
	if err != nil {
		return Request{}, err
	}
	req.Body = data
	return req, nil
}

// Decode unmarshals the request body into v.
func (r Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.WrapInvalid(errors.ErrNoBody, "Request", "Decode", "read body of "+r.Action)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Request", "Decode", "unmarshal body of "+r.Action)
	}
	return nil
}

// Response answers a Request. Last marks the terminal response for its
// correlation id.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body,omitempty"`
	Last          bool            `json:"last"`
}

// ErrorBody is the body of a failed Response.
type ErrorBody struct {
	Message string `json:"message"`
}

// NewResponse builds a successful response carrying body.
func NewResponse(body any, last bool) (Response, error) {
	resp := Response{Status: StatusOK, Last: last}
	if body == nil {
		return resp, nil
	}
	data, err := Encode(body)
	if err != nil {
		return Response{}, err
	}
	resp.Body = data
	return resp, nil
}

// ErrorResponse builds a terminal failure response.
func ErrorResponse(status int, message string) Response {
	data, _ := json.Marshal(ErrorBody{Message: message})
	return Response{Status: status, Body: data, Last: true}
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool { return r.Status != StatusOK }

// Err returns the failure carried by the response, or nil.
func (r Response) Err() error {
	if !r.Failed() {
		return nil
	}
	var body ErrorBody
	if err := json.Unmarshal(r.Body, &body); err != nil || body.Message == "" {
		return fmt.Errorf("status %d", r.Status)
	}
	return fmt.Errorf("status %d: %s", r.Status, body.Message)
}

// Decode unmarshals a successful response body into v.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Body) == 0 {
		return errors.ErrNoBody
	}
	return json.Unmarshal(r.Body, v)
}

// Encode marshals v for use as a Request or Response body.
func Encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "rpc", "Encode", "marshal body")
	}
	return data, nil
}
