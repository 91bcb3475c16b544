package schema

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/coachpo/coreflow/errs"
)

// HandlerFunc consumes one event. Returned errors and panics stay inside the bus.
type HandlerFunc func(ctx context.Context, event *Event) error

// BackoffStrategy names how a retry policy grows its delay.
type BackoffStrategy string

const (
	// BackoffLinear grows the delay by BaseDelay per attempt.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential doubles the delay per attempt.
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy is attached to a registration. The bus computes delays centrally
// with exponential doubling; the policy is kept for introspection.
type RetryPolicy struct {
	MaxRetries int             `json:"maxRetries" yaml:"max_retries"`
	Strategy   BackoffStrategy `json:"backoffStrategy" yaml:"strategy"`
	BaseDelay  time.Duration   `json:"baseDelay" yaml:"base_delay"`
	MaxDelay   time.Duration   `json:"maxDelay" yaml:"max_delay"`
}

// HandlerRegistration binds a callback to a channel and a set of event types.
type HandlerRegistration struct {
	ID             string
	Name           string
	Channel        Channel
	EventTypes     []EventType
	Module         string
	Handler        HandlerFunc
	Priority       int
	MaxConcurrency int
	RetryPolicy    RetryPolicy
}

// Validate ensures the registration can be keyed and invoked.
func (h HandlerRegistration) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return errs.New("schema/handler", errs.CodeInvalid, errs.WithMessage("handler id required"))
	}
	if h.Handler == nil {
		return errs.New("schema/handler", errs.CodeInvalid, errs.WithMessage("handler callback required"), errs.WithField("handler", h.ID))
	}
	if h.MaxConcurrency < 0 {
		return errs.New("schema/handler", errs.CodeInvalid, errs.WithMessage("maxConcurrency must be >= 0"), errs.WithField("handler", h.ID))
	}
	return nil
}

// Accepts reports whether the registration lists the event type.
func (h HandlerRegistration) Accepts(t EventType) bool {
	return slices.Contains(h.EventTypes, t)
}

// Matches reports whether the handler should run for the event.
func (h HandlerRegistration) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	return h.Channel == event.Channel && h.Accepts(event.Type)
}

// HandlerResult records one handler invocation.
type HandlerResult struct {
	HandlerID   string        `json:"handlerId"`
	HandlerName string        `json:"handlerName,omitempty"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// ProcessingResult aggregates every handler run for one event.
type ProcessingResult struct {
	EventID        string          `json:"eventId"`
	Success        bool            `json:"success"`
	HandlerResults []HandlerResult `json:"handlerResults"`
	ProcessedAt    time.Time       `json:"processedAt"`
}

// Failed returns the results of handlers that did not succeed.
func (r ProcessingResult) Failed() []HandlerResult {
	var out []HandlerResult
	for _, res := range r.HandlerResults {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}
