package qos

import "errors"

var (
	// ErrProtocolViolation corresponds to spec.md's "Protocol" error kind:
	// the peer's ack referenced a mid/qos/state combination that couldn't
	// have arisen from this session's own outbound or inbound history.
	ErrProtocolViolation = errors.New("qos: protocol violation")

	// ErrNotFound corresponds to spec.md's "NotFound" error kind: no
	// ClientMsg exists for the mid the caller asked about.
	ErrNotFound = errors.New("qos: mid not found")
)
