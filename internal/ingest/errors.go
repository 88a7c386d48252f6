// Package ingest bridges browser media chunks to per-stream encoder processes.
//
// A Registry owns the one-encoder-per-stream-key invariant and the per-key
// write ordering. The Service layers validation, stop/status operations,
// presence publishing and metrics on top of it.
package ingest

import "errors"

var (
	// ErrInvalidRequest is returned for missing or oversized input. No state is mutated.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEncoderSpawn is returned when the encoder process could not be started.
	ErrEncoderSpawn = errors.New("encoder spawn failed")

	// ErrEncoderWrite is returned when a chunk could not be written to the encoder.
	// The session has been torn down; the client must restart the stream.
	ErrEncoderWrite = errors.New("encoder write failed")

	// ErrWriteTimeout means the encoder stopped reading its input. It is
	// always wrapped together with ErrEncoderWrite.
	ErrWriteTimeout = errors.New("encoder input write timed out")

	// ErrSessionNotFound is returned when no session exists for a stream key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// IsEncoderFailure reports whether err means the stream is broken and must be restarted.
func IsEncoderFailure(err error) bool {
	return errors.Is(err, ErrEncoderSpawn) || errors.Is(err, ErrEncoderWrite)
}
