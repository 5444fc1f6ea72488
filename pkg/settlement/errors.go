package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the claimed stream does not exist.
	ErrNotFound = errors.New("settlement: stream not found")
	// ErrStreamRevoked is returned for claims against a revoked stream.
	ErrStreamRevoked = errors.New("settlement: stream revoked")
	// ErrInvalidRequest wraps malformed request parameters.
	ErrInvalidRequest = errors.New("settlement: invalid request")
)

// Reason names the gate at which a claim was rejected.
type Reason string

const (
	ReasonNothingVested Reason = "NothingVested"
	ReasonUnauthorized  Reason = "Unauthorized"
	ReasonProofInvalid  Reason = "ProofInvalid"
)

// RejectionError is an expected business rejection. It carries the numbers
// a caller needs to correct and retry without re-reading the stream.
type RejectionError struct {
	Reason    Reason
	StreamID  string
	Vested    int64
	Streamed  int64
	Requested int64
	Digest    string
	Err       error
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonNothingVested:
		return fmt.Sprintf("nothing vested for %s: vested=%d streamed=%d requested=%d",
			e.StreamID, e.Vested, e.Streamed, e.Requested)
	case ReasonProofInvalid:
		return fmt.Sprintf("proof invalid for %s: digest=%s", e.StreamID, e.Digest)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a RejectionError with the given reason.
func IsRejection(err error, reason Reason) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.Reason == reason
}
