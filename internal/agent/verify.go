package agent

import (
	"context"
	"errors"
	"time"

	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/tools"
)

// verifyWrite re-reads the target of a mutating tool after a
// successful execution. A transient mismatch (the write has not
// landed yet) is retried up to VerifyRetries with VerifyRetryDelay
// between reads. Under soft verification a persistent mismatch is
// logged and the tool result stands; under strict it fails the
// result. Returns nil for non-mutating tools and when verification
// is off.
func (l *Loop) verifyWrite(ctx context.Context, name string, args map[string]any) error {
	if l.cfg.Verify == config.VerifyOff {
		return nil
	}
	tool := l.registry.Get(name)
	if tool == nil || !tool.Mutating || tool.Verify == nil {
		return nil
	}

	var err error
	attempts := l.cfg.VerifyRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.VerifyRetryDelay):
			}
		}
		err = tool.Verify(ctx, args)
		if err == nil {
			return nil
		}
		if !errors.Is(err, tools.ErrVerifyMismatch) {
			// Read failures are not mismatches; do not keep polling.
			break
		}
	}

	if l.cfg.Verify == config.VerifyStrict {
		return err
	}
	l.logger.Warn("write verification failed, accepting result", "tool", name, "error", err)
	return nil
}
