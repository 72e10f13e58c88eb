package node

import "errors"

var (
	ErrNotLeader    = errors.New("node: not leader")
	ErrNoLeader     = errors.New("node: cannot resolve leader")
	ErrNoRPCClient  = errors.New("node: no RPC client configured")
	ErrUnreachable  = errors.New("node: unreachable")
	ErrNotGroupHost = errors.New("node: consensus does not host the group state machine")
)
