package godoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOdooRPCError(t *testing.T) {
	t.Run("fault value", func(t *testing.T) {
		err := parseOdooRPCError("product.template", fmt.Errorf("call: %w", xmlrpc.FaultError{Code: 2, String: "ValidationError: bad barcode"}))
		var rpcErr *OdooRPCError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, 2, rpcErr.Code)
		assert.Equal(t, "ValidationError: bad barcode", rpcErr.Message)
		assert.ErrorIs(t, err, ErrOdooRPC)
	})

	t.Run("invalid field from text", func(t *testing.T) {
		err := parseOdooRPCError("product.template", errors.New("Fault(1): 'Invalid field \"x_brand\" on model product.template'"))
		var fieldErr *InvalidFieldError
		require.True(t, errors.As(err, &fieldErr))
		assert.Equal(t, "x_brand", fieldErr.Field)
		assert.Equal(t, "product.template", fieldErr.Model)
	})

	t.Run("unknown model", func(t *testing.T) {
		err := parseOdooRPCError("x.model", xmlrpc.FaultError{Code: 1, String: "KeyError: 'x.model' not found in registry"})
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("access denied", func(t *testing.T) {
		err := parseOdooRPCError("res.partner", xmlrpc.FaultError{Code: 3, String: "odoo.exceptions.AccessDenied: Access Denied"})
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("transport errors keep their identity", func(t *testing.T) {
		err := parseOdooRPCError("res.partner", fmt.Errorf("post: %w", io.EOF))
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", fmt.Errorf("post: %w", io.EOF), true},
		{"deadline", fmt.Errorf("odoo timed out: %w", context.DeadlineExceeded), true},
		{"reset text", errors.New("read tcp: connection reset by peer"), true},
		{"gateway", errors.New("request error: bad status code - 502"), true},
		{"cancelled", context.Canceled, false},
		{"auth", ErrAuthenticationFailed, false},
		{"fault", &OdooRPCError{Message: "ValidationError"}, false},
		{"invalid field", &InvalidFieldError{Field: "x"}, false},
		{"breaker", fmt.Errorf("%w: source", ErrCircuitOpen), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(6))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}
