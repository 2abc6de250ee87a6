package client

import (
	"errors"
	"fmt"
)

// The worker treats engine call failures in three classes. Client errors are
// permanent for the segment, loading errors are retried in place, server
// errors restart the engine between attempts. Anything that is none of the
// three (transport faults, unexpected panics surfaced as errors) is folded
// into the server class.

// ClientError is a permanent 4xx failure for the current request. The
// segment is marked failed and the job moves on; the engine is left alone.
type ClientError struct {
	// StatusCode is the HTTP status the engine returned (400 or 404).
	StatusCode int

	// Code is a stable machine token, e.g. "SPEAKER_SAMPLE_NOT_FOUND" or
	// "TEXT_TOO_LONG". Carried in square brackets in user-facing messages.
	Code string

	Msg string
}

func (e *ClientError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine client error %d: [%s]%s", e.StatusCode, e.Code, e.Msg)
	}
	return fmt.Sprintf("engine client error %d: %s", e.StatusCode, e.Msg)
}

// LoadingError means the engine answered 503 because a model is still
// loading. The call is retried without restarting the engine until the
// cumulative wait cap is reached.
type LoadingError struct {
	Msg string
}

func (e *LoadingError) Error() string {
	if e.Msg == "" {
		return "engine is loading"
	}
	return "engine is loading: " + e.Msg
}

// ServerError is a 500-class or transport failure. The engine is restarted
// between attempts, up to the policy's attempt cap.
type ServerError struct {
	// StatusCode is zero for transport-level failures.
	StatusCode int
	Msg        string
	Err        error
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("engine server error %d: %s", e.StatusCode, e.Msg)
	}
	return "engine unreachable: " + e.Msg
}

func (e *ServerError) Unwrap() error { return e.Err }

// IsClient reports whether err is (or wraps) a [ClientError].
func IsClient(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsLoading reports whether err is (or wraps) a [LoadingError].
func IsLoading(err error) bool {
	var le *LoadingError
	return errors.As(err, &le)
}

// IsServer reports whether err is (or wraps) a [ServerError].
func IsServer(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// Classify folds an arbitrary error into the retry taxonomy: client and
// loading errors pass through untouched, everything else becomes a
// [ServerError]. A nil err returns nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsClient(err) || IsLoading(err) || IsServer(err) {
		return err
	}
	return &ServerError{Msg: err.Error(), Err: err}
}
