// Package status defines the closed status-code enum that every fallible
// call in logdevice returns, per the error taxonomy in the write-path spec.
// Codes are carried by value through return types rather than via a
// thread-local, mirroring how the rest of this module threads context
// explicitly instead of relying on package-level mutable state.
package status

import (
	"errors"
	"fmt"
)

// Code is one of the abbreviated statuses every fallible call may return.
type Code int

const (
	OK Code = iota

	// Transient — the caller should retry, possibly after backoff.
	AGAIN
	TIMEDOUT
	CONNFAILED
	NOBUFS
	CBREGISTERED
	DISABLED
	PEER_CLOSED

	// Permanent — retrying will not help without operator intervention.
	INTERNAL
	TOOBIG
	BADMSG
	MALFORMED_RECORD
	CORRUPTION

	// Logical — caller's request itself could not be satisfied as framed.
	EXISTS
	NOTFOUND
	NOTINCONFIG
	ALREADY
	ABORTED
	PROTONOSUPPORT
	ACCESS
	DESTINATION_MISMATCH
	INVALID_CLUSTER
	CHECKSUM_MISMATCH

	// Operational — process- or host-level condition.
	SHUTDOWN
	NOSPC
	LOW_ON_SPC
	SSLREQUIRED
	SYSLIMIT

	// SEQNOBUFS is a client-visible status distinct from the internal
	// NOBUFS: the sequencer's per-log appender buffer is full.
	SEQNOBUFS
	// NOSEQUENCER is returned to buffered appenders when sequencer
	// activation fails permanently.
	NOSEQUENCER
)

var names = map[Code]string{
	OK:                    "OK",
	AGAIN:                 "AGAIN",
	TIMEDOUT:              "TIMEDOUT",
	CONNFAILED:            "CONNFAILED",
	NOBUFS:                "NOBUFS",
	CBREGISTERED:          "CBREGISTERED",
	DISABLED:              "DISABLED",
	PEER_CLOSED:           "PEER_CLOSED",
	INTERNAL:              "INTERNAL",
	TOOBIG:                "TOOBIG",
	BADMSG:                "BADMSG",
	MALFORMED_RECORD:      "MALFORMED_RECORD",
	CORRUPTION:            "CORRUPTION",
	EXISTS:                "EXISTS",
	NOTFOUND:              "NOTFOUND",
	NOTINCONFIG:           "NOTINCONFIG",
	ALREADY:               "ALREADY",
	ABORTED:               "ABORTED",
	PROTONOSUPPORT:        "PROTONOSUPPORT",
	ACCESS:                "ACCESS",
	DESTINATION_MISMATCH:  "DESTINATION_MISMATCH",
	INVALID_CLUSTER:       "INVALID_CLUSTER",
	CHECKSUM_MISMATCH:     "CHECKSUM_MISMATCH",
	SHUTDOWN:              "SHUTDOWN",
	NOSPC:                 "NOSPC",
	LOW_ON_SPC:            "LOW_ON_SPC",
	SSLREQUIRED:           "SSLREQUIRED",
	SYSLIMIT:              "SYSLIMIT",
	SEQNOBUFS:             "SEQNOBUFS",
	NOSEQUENCER:           "NOSEQUENCER",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Transient reports whether retrying the same call later may succeed.
func (c Code) Transient() bool {
	switch c {
	case AGAIN, TIMEDOUT, CONNFAILED, NOBUFS, CBREGISTERED, DISABLED, PEER_CLOSED:
		return true
	default:
		return false
	}
}

// Permanent reports whether the call requires operator intervention.
func (c Code) Permanent() bool {
	switch c {
	case INTERNAL, TOOBIG, BADMSG, MALFORMED_RECORD, CORRUPTION:
		return true
	default:
		return false
	}
}

// Error wraps a Code with a human-readable message so it can be returned
// as a regular Go error while still letting callers recover the Code via
// errors.As.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Wrap builds a *Error, formatting Msg like fmt.Sprintf when args are given.
func Wrap(c Code, format string, args ...interface{}) *Error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// CheckMsgOn checks whether err (possibly nil) carries a *Error and, if so,
// returns its Code; otherwise returns INTERNAL for a non-nil err and OK for
// a nil one. Useful at package boundaries that receive plain Go errors from
// stdlib/driver calls (bbolt, net, raft) and must surface a Code.
func CheckMsgOn(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return INTERNAL
}
