// Package health tracks the readiness of the routing node's parts and
// aggregates them into a single status for the /health endpoint.
package health

import (
	"regexp"
	"time"
)

// Health states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one part of the node, or of the node itself when
// SubStatuses is set.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError is healthy for a nil err and unhealthy otherwise. Addresses and
// credentials are scrubbed from the message.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// Aggregate folds sub-statuses into one: unhealthy if any is unhealthy,
// degraded if any is degraded, healthy otherwise.
func Aggregate(component string, subStatuses []Status) Status {
	var status Status
	switch {
	case len(subStatuses) == 0:
		return NewHealthy(component, "nothing to check")
	case anyState(subStatuses, StateUnhealthy):
		status = NewUnhealthy(component, "one or more parts are unhealthy")
	case anyState(subStatuses, StateDegraded):
		status = NewDegraded(component, "one or more parts are degraded")
	default:
		status = NewHealthy(component, "all parts are healthy")
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}

func anyState(statuses []Status, state string) bool {
	for _, s := range statuses {
		if s.Status == state {
			return true
		}
	}
	return false
}

func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}
