package utils

import (
	"context"
	"time"

	"github.com/forechoandlook/stepflow"
)

// WithTimeout wraps a function call with a timeout. A zero timeout only
// inherits the parent deadline.
func WithTimeout(parentCtx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(parentCtx)
	}
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// TimeoutExecutor bounds every node call of the wrapped executor
type TimeoutExecutor struct {
	stepflow.Executor
	Timeout time.Duration
}

// WithTimeoutOnExecutor wraps exec so each Execute gets at most timeout
func WithTimeoutOnExecutor(exec stepflow.Executor, timeout time.Duration) *TimeoutExecutor {
	return &TimeoutExecutor{
		Executor: exec,
		Timeout:  timeout,
	}
}

func (te *TimeoutExecutor) Execute(
	ctx context.Context, nodeType string, config map[string]any,
	vars stepflow.Vars, creds *stepflow.Credentials,
) (stepflow.NodeResult, error) {
	var res stepflow.NodeResult
	err := WithTimeout(ctx, te.Timeout, func(ctx context.Context) error {
		var err error
		res, err = te.Executor.Execute(ctx, nodeType, config, vars, creds)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Supports forwards to the wrapped executor; unknown means supported
func (te *TimeoutExecutor) Supports(nodeType string) bool {
	if c, ok := te.Executor.(interface{ Supports(string) bool }); ok {
		return c.Supports(nodeType)
	}
	return true
}

func (te *TimeoutExecutor) RequiresCredentials(nodeType string, config map[string]any) bool {
	if c, ok := te.Executor.(stepflow.CredentialAware); ok {
		return c.RequiresCredentials(nodeType, config)
	}
	return false
}

// WithRetry executes fn up to attempts times, sleeping backoff between
// tries. It stops early when ctx is done.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if backoff <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

// MergeMaps merges multiple maps into one, with later maps overriding earlier ones
func MergeMaps(maps ...map[string]any) map[string]any {
	result := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
