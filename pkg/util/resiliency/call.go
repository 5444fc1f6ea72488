package resiliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Via tags where a result came from.
type Via string

const (
	ViaRemote Via = "remote"
	ViaMock   Via = "mock"
)

// ExternalServiceError is a remote failure surfaced when no fallback is allowed.
type ExternalServiceError struct {
	Service string
	Status  int
	Message string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Policy controls how Call degrades.
type Policy struct {
	Service       string
	AllowFallback bool
	Logger        *slog.Logger
}

// Call invokes remote and returns its value tagged ViaRemote. When remote
// fails and the policy allows it, fallback runs instead and its value is
// tagged ViaMock. Otherwise the remote failure is returned as an
// *ExternalServiceError. A nil remote counts as a failed remote.
func Call[T any](ctx context.Context, p Policy, remote, fallback func(context.Context) (T, error)) (T, Via, error) {
	var zero T
	var rerr error
	if remote != nil {
		v, err := remote(ctx)
		if err == nil {
			return v, ViaRemote, nil
		}
		rerr = err
	} else {
		rerr = ErrNotConfigured
	}

	if ctx.Err() != nil {
		return zero, "", ctx.Err()
	}
	if !p.AllowFallback || fallback == nil {
		return zero, "", asExternal(p.Service, rerr)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !errors.Is(rerr, ErrNotConfigured) {
		logger.Warn("remote unavailable, using local fallback", "service", p.Service, "error", rerr)
	}

	v, err := fallback(ctx)
	if err != nil {
		return zero, "", fmt.Errorf("%s fallback: %w", p.Service, err)
	}
	return v, ViaMock, nil
}

func asExternal(service string, err error) error {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalServiceError{Service: service, Message: err.Error(), Err: err}
}
