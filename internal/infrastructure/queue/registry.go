// Package queue runs queued jobs against the handlers registered for their type.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/domain/shared"
)

var (
	ErrEmptyType      = shared.NewDomainError("INVALID_INPUT", "Handler type is required")
	ErrDuplicateType  = shared.NewDomainError("ALREADY_EXISTS", "A handler is already registered for this job type")
	ErrUnknownJobType = shared.NewDomainError("INVALID_INPUT", "No handler is registered for this job type")
)

// Handler executes one attempt of a job and returns an optional JSON result.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) ([]byte, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, j *job.Job) ([]byte, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	return f(ctx, j)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. a malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h for jobType. Each type may be registered once.
func (r *Registry) Register(jobType string, h Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || h == nil {
		return ErrEmptyType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register that panics, for wiring at startup
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for jobType
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Has reports whether jobType has a handler
func (r *Registry) Has(jobType string) bool {
	_, ok := r.Get(jobType)
	return ok
}

// Types returns the registered job types in lexical order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
