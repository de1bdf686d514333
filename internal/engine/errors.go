// Error taxonomy for the engine. Every failure an RPC can surface is one
// of these tags (possibly wrapped); the gateway maps tags to HTTP status
// codes. Validation failures never mutate session state.
package engine

import "errors"

var (
	// ErrEmptyObservation: no strings and no vectors. Emotives or
	// metadata alone never produce an event.
	ErrEmptyObservation = errors.New("empty observation")

	// ErrEmptySymbol: an observation contained an empty string token.
	ErrEmptySymbol = errors.New("empty symbol")

	// ErrInvalidSymbol: a token contained a reserved separator byte.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrVectorDimension: a vector's dimension differs from the
	// configured dimension.
	ErrVectorDimension = errors.New("wrong vector dimension")

	// ErrEmptySTM: learn was requested on an empty window.
	ErrEmptySTM = errors.New("short-term memory is empty")

	// ErrStorageUnavailable: a transient backend failure survived the
	// retry budget. Retryable by the client.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
