package engine

import (
	"context"
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Bridge lets goroutines outside the loop read and change engine state. Each
// call runs as a task on the loop while the caller blocks for at most the
// configured timeout. A call that times out returns ErrBridgeTimeout; its task
// is not cancelled and may still complete later.
//
// Bridge implements rule.Env, so rule triggers reach state through it too.
// Calling it from a task already running on the loop always times out.
type Bridge struct {
	engine  *Engine
	timeout time.Duration
}

var _ rule.Env = (*Bridge)(nil)

type outcome[T any] struct {
	value T
	err   error
}

// call runs fn on the loop and waits for its result.
func call[T any](b *Bridge, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var zero T
	done := make(chan outcome[T], 1)
	err := b.engine.loop.Post(tctx, func() {
		v, err := fn()
		done <- outcome[T]{value: v, err: err}
	})
	if err == nil {
		select {
		case res := <-done:
			b.record(op, res.err, start)
			return res.value, res.err
		case <-tctx.Done():
			err = tctx.Err()
		}
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		b.engine.metrics.RecordBridgeCall(op, "timeout", time.Since(start))
		b.engine.logger.Warn("Bridge call timed out", "operation", op, "timeout", b.timeout)
		return zero, errors.WrapTransient(errors.ErrBridgeTimeout, "Bridge", op, "wait for loop")
	}
	b.record(op, err, start)
	return zero, err
}

func (b *Bridge) record(op string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.engine.metrics.RecordBridgeCall(op, result, time.Since(start))
}

// GetState reads one value from the state store by group and key.
func (b *Bridge) GetState(ctx context.Context, group, key string) (any, bool, error) {
	type found struct {
		value any
		ok    bool
	}
	res, err := call(b, ctx, "GetState", func() (found, error) {
		v, ok := b.engine.store.Get(group, key)
		return found{value: v, ok: ok}, nil
	})
	return res.value, res.ok, err
}

// EntityState implements rule.Env.
func (b *Bridge) EntityState(ctx context.Context, entityID string) (*hass.EntityState, bool, error) {
	st, err := call(b, ctx, "EntityState", func() (*hass.EntityState, error) {
		st, _ := b.engine.store.EntityState(entityID)
		return st, nil
	})
	return st, st != nil, err
}

// CallService implements rule.Env. The call is handed to the current hub
// connection; no result is awaited.
func (b *Bridge) CallService(ctx context.Context, sc hass.ServiceCall) error {
	_, err := call(b, ctx, "CallService", func() (struct{}, error) {
		e := b.engine
		client := e.client
		if client == nil || !client.Connected() {
			e.logger.Warn("Dropping service call, hub not connected", "service", sc.String())
			return struct{}{}, nil
		}
		if _, ok := e.store.ServiceDomain(sc.Domain); !ok {
			e.logger.Warn("Calling service in unknown domain", "service", sc.String())
		}
		e.loop.Go(func(ctx context.Context) {
			if _, err := client.CallService(ctx, sc); err != nil {
				e.logger.Error("Service call failed", "service", sc.String(), "error", err)
			}
		})
		return struct{}{}, nil
	})
	return err
}

// ListRules returns the definitions of the active rules ordered by id.
func (b *Bridge) ListRules(ctx context.Context) ([]rule.Definition, error) {
	return call(b, ctx, "ListRules", func() ([]rule.Definition, error) {
		rules := b.engine.store.Rules()
		defs := make([]rule.Definition, 0, len(rules))
		for _, r := range rules {
			defs = append(defs, r.Definition())
		}
		return defs, nil
	})
}

// GetRule returns the definition of one active rule.
func (b *Bridge) GetRule(ctx context.Context, id string) (rule.Definition, bool, error) {
	r, err := call(b, ctx, "GetRule", func() (*rule.Rule, error) {
		r, _ := b.engine.store.Rule(id)
		return r, nil
	})
	if err != nil || r == nil {
		return rule.Definition{}, false, err
	}
	return r.Definition(), true, nil
}

// SaveRule validates raw, persists it and replaces the active rule with the
// same id. Validation and storage failures are reported in the Result.
func (b *Bridge) SaveRule(ctx context.Context, raw map[string]any) (Result, error) {
	return call(b, ctx, "SaveRule", func() (Result, error) {
		return b.engine.saveRule(b.engine.loop.Context(), raw), nil
	})
}

// DeleteRule removes a rule from persistence and from the active set. It
// reports whether the rule existed.
func (b *Bridge) DeleteRule(ctx context.Context, id string) (bool, error) {
	return call(b, ctx, "DeleteRule", func() (bool, error) {
		return b.engine.deleteRule(b.engine.loop.Context(), id)
	})
}

// ReloadRules clears and reloads the whole rule set.
func (b *Bridge) ReloadRules(ctx context.Context) (Result, error) {
	return call(b, ctx, "ReloadRules", func() (Result, error) {
		return b.engine.reloadRules(b.engine.loop.Context()), nil
	})
}

// ListEntities returns the mirrored entity states ordered by entity id.
func (b *Bridge) ListEntities(ctx context.Context) ([]*hass.EntityState, error) {
	return call(b, ctx, "ListEntities", func() ([]*hass.EntityState, error) {
		return b.engine.store.Entities(), nil
	})
}

// ListServices returns the mirrored service domains ordered by domain.
func (b *Bridge) ListServices(ctx context.Context) ([]*hass.ServiceDomain, error) {
	return call(b, ctx, "ListServices", func() ([]*hass.ServiceDomain, error) {
		return b.engine.store.Services(), nil
	})
}

// CheckTimeSpec validates raw against the current time. On success the Result
// carries the next occurrence.
func (b *Bridge) CheckTimeSpec(ctx context.Context, raw map[string]any) (Result, error) {
	return call(b, ctx, "CheckTimeSpec", func() (Result, error) {
		return b.engine.checkTimeSpec(raw), nil
	})
}
