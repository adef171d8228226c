package jobstore

import "errors"

var (
	// ErrDuplicateID is returned by Insert when the id already exists.
	ErrDuplicateID = errors.New("jobstore: duplicate job id")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrLeaseMismatch is returned when the supplied lease token does not
	// match the stored one. A late report from a worker whose lease was
	// reclaimed is the expected way to hit this.
	ErrLeaseMismatch = errors.New("jobstore: lease token mismatch")
	// ErrTerminal is returned for transitions attempted against a
	// completed or failed job.
	ErrTerminal = errors.New("jobstore: job already terminal")
	// ErrCorrupt is returned when a stored record fails checksum or decode.
	ErrCorrupt = errors.New("jobstore: corrupt job record")
)
