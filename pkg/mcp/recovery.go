package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how to handle an MCP operation failure.
type RecoveryAction int

const (
	// NoRetry: the error is not recoverable (bad request, auth failure,
	// context cancellation).
	NoRetry RecoveryAction = iota
	// RetrySameSession: transient error, retry on the existing session.
	RetrySameSession
	// RetryNewSession: transport failure, recreate the session first.
	RetryNewSession
)

const (
	// InitTimeout is the per-server deadline for transport setup and the
	// protocol handshake.
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and
	// ListTools. Some tools are legitimately slow; the iteration timeout
	// is the hard ceiling above this.
	OperationTimeout = 90 * time.Second

	// ReinitTimeout is the deadline for session recreation during
	// recovery.
	ReinitTimeout = 10 * time.Second

	retryBackoffMin = 250 * time.Millisecond
	retryBackoffMax = 750 * time.Millisecond
)

// ClassifyError maps an MCP operation error to a recovery action.
// Context errors never retry: the caller's deadline or cancellation
// wins. Connection-level failures get a fresh session.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return RetryNewSession
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryNewSession
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "session closed"),
		strings.Contains(msg, "transport"):
		return RetryNewSession
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return RetrySameSession
	}
	return NoRetry
}
