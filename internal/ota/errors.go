package ota

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a check or update attempt failed.
type ErrorKind int

const (
	// MetadataFetch: the version endpoint was unreachable or did not answer 200.
	MetadataFetch ErrorKind = iota + 1
	// MetadataParse: the version response was not JSON or had no version field.
	MetadataParse
	// FirmwareFetch: the image endpoint did not answer 200 with a usable length.
	FirmwareFetch
	// InsufficientSpace: the flasher refused to begin a session of that size.
	InsufficientSpace
	// StreamWrite: the flasher wrote fewer bytes than it was given.
	StreamWrite
	// StallTimeout: no bytes arrived within the stall window.
	StallTimeout
	// IncompleteTransfer: the stream ended before the declared length.
	IncompleteTransfer
	// Integrity: the computed HMAC did not match the declared digest.
	Integrity
	// Finalize: the flasher refused to commit the written image.
	Finalize
)

var kindNames = map[ErrorKind]string{
	MetadataFetch:      "metadata_fetch",
	MetadataParse:      "metadata_parse",
	FirmwareFetch:      "firmware_fetch",
	InsufficientSpace:  "insufficient_space",
	StreamWrite:        "stream_write",
	StallTimeout:       "stall_timeout",
	IncompleteTransfer: "incomplete_transfer",
	Integrity:          "integrity",
	Finalize:           "finalize",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrMetadataFetch      = &Error{Kind: MetadataFetch}
	ErrMetadataParse      = &Error{Kind: MetadataParse}
	ErrFirmwareFetch      = &Error{Kind: FirmwareFetch}
	ErrInsufficientSpace  = &Error{Kind: InsufficientSpace}
	ErrStreamWrite        = &Error{Kind: StreamWrite}
	ErrStallTimeout       = &Error{Kind: StallTimeout}
	ErrIncompleteTransfer = &Error{Kind: IncompleteTransfer}
	ErrIntegrity          = &Error{Kind: Integrity}
	ErrFinalize           = &Error{Kind: Finalize}
)

// Precondition and state machine errors. These indicate caller misuse, not
// a failed attempt, and never move the session into Error.
var (
	ErrNotReady          = errors.New("no update available: call CheckForUpdate first")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Error is returned by CheckForUpdate and PerformUpdate when an attempt fails.
type Error struct {
	Kind ErrorKind
	// Msg describes the failure in the words of the detecting step.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrIntegrity) works
// on every integrity failure regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
