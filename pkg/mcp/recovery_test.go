package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"context canceled", context.Canceled, NoRetry},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), NoRetry},
		{"eof", io.EOF, RetryNewSession},
		{"closed pipe", io.ErrClosedPipe, RetryNewSession},
		{"net closed", net.ErrClosed, RetryNewSession},
		{"connection refused", errors.New("dial tcp: connection refused"), RetryNewSession},
		{"broken pipe", errors.New("write: broken pipe"), RetryNewSession},
		{"session closed", errors.New("session closed"), RetryNewSession},
		{"rate limit", errors.New("429 Too Many Requests"), RetrySameSession},
		{"bad request", errors.New("invalid params"), NoRetry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}
