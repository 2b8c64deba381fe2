package godoo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultRetryPolicy returns three attempts with 500ms doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          true,
	}
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialInterval) * math.Pow(mult, float64(attempt))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if p.Jitter && d > 0 {
		// +/- 10%
		d += d * 0.1 * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// executeRPC runs one execute_kw call through the rate limiter, the circuit
// breaker and the retry loop. The reply is decoded into a fresh value on every
// attempt, so an abandoned call can never write into a later attempt's result.
func (c *OdooClient) executeRPC(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := c.executeOnce(ctx, model, method, args, kwargs)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug("Odoo RPC call succeeded after retries",
					zap.String("model", model),
					zap.String("method", method),
					zap.Int("attempt", attempt+1),
				)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil || attempt == attempts-1 {
			break
		}

		wait := c.retry.Backoff(attempt)
		c.logger.Warn("Odoo RPC call failed, retrying",
			zap.Error(err),
			zap.String("model", model),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.Error("Failed to execute Odoo RPC call",
		zap.Error(lastErr),
		zap.String("model", model),
		zap.String("method", method),
	)
	return nil, lastErr
}

func (c *OdooClient) executeOnce(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	call := func() (interface{}, error) {
		uid, rpcClient, err := c.getConnection(ctx)
		if err != nil {
			return nil, err
		}

		// Odoo's execute_kw expects (db, uid, password, model, method, args[], kwargs{})
		if kwargs == nil {
			kwargs = map[string]interface{}{}
		}
		callArgs := []interface{}{c.db, uid, c.password, model, method, args, kwargs}

		callCtx, cancel := c.callContext(ctx)
		defer cancel()

		var reply interface{}
		if err := callWithContext(callCtx, rpcClient, "execute_kw", callArgs, &reply); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("odoo %s.%s timed out after %s: %w", model, method, c.callTimeout, err)
			}
			return nil, parseOdooRPCError(model, fmt.Errorf("failed to call Odoo method '%s' on model '%s': %w", method, model, err))
		}
		return reply, nil
	}

	if c.breaker == nil {
		return call()
	}
	result, err := c.breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.name)
	}
	return result, err
}
