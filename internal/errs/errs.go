// Package errs classifies errors into the kinds the event queue and
// processors use to decide retry/fail/skip-routing behavior (spec §7).
package errs

import "errors"

// Kind buckets an error by how the runtime should react to it.
type Kind string

const (
	// KindTransient covers upstream 5xx/timeout/network errors: retried once
	// via provider fallback if configured, otherwise surfaced as failed.
	KindTransient Kind = "transient"

	// KindValidation covers bad tool arguments or malformed payloads:
	// never retried, surfaced as a tool message with status "failed".
	KindValidation Kind = "validation"

	// KindLogic covers unknown tool, missing agent, no target: reported as
	// a system message with skipRouting=true.
	KindLogic Kind = "logic"

	// KindStorage covers constraint violations (non-retryable) vs transient
	// connection errors (retryable by the queue's lease-expiry path).
	KindStorage Kind = "storage"

	// KindFatal covers misconfiguration: surfaced as an error:true system
	// message and stops the chain.
	KindFatal Kind = "fatal"
)

// Classified wraps an error with the Kind the caller decided it falls under.
type Classified struct {
	Kind    Kind
	Message string
	Err     error
}

func (c *Classified) Error() string {
	if c.Message != "" {
		return c.Message
	}
	if c.Err != nil {
		return c.Err.Error()
	}
	return string(c.Kind)
}

func (c *Classified) Unwrap() error { return c.Err }

// Retriable reports whether the queue should give this event another chance
// after the worker lease naturally expires.
func (c *Classified) Retriable() bool {
	return c.Kind == KindTransient || c.Kind == KindStorage
}

// New builds a Classified error of the given kind.
func New(kind Kind, message string) *Classified {
	return &Classified{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Classified {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// ClassifyOf extracts the Kind from err if it (or something it wraps) is a
// *Classified; otherwise defaults to KindTransient, matching the spec's
// bias toward retrying unrecognized upstream failures rather than dropping
// them silently.
func ClassifyOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindTransient
}

// Retriable reports whether err should cause the queue to retry the event
// once its lease expires.
func Retriable(err error) bool {
	var c *Classified
	if errors.As(err, &c) {
		return c.Retriable()
	}
	return true
}

var (
	// ErrNotFound is returned by stores when a lookup finds nothing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a unique-constraint collision.
	ErrAlreadyExists = errors.New("already exists")
	// ErrLeaseNotOwned is returned when extending/releasing a lease the
	// caller does not hold.
	ErrLeaseNotOwned = errors.New("lease not owned by caller")
)
