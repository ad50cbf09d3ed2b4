package llm

import (
	"context"
	"log/slog"
	"time"
)

// ChatWithRetry calls client.ChatStream, retrying transient provider
// failures up to maxRetries times with doubling backoff. Malformed and
// fatal failures, and context cancellation, return immediately.
//
// Note that a retried streaming request replays any tokens already
// delivered; callers who surface partial output should reset their
// accumulation when a retry begins.
func ChatWithRetry(ctx context.Context, client Client, model string, messages []Message, tools []map[string]any, callback StreamCallback, maxRetries int, baseDelay time.Duration, logger *slog.Logger) (*ChatResponse, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	var lastErr error
	delay := baseDelay

	for attempt := 0; ; attempt++ {
		resp, err := client.ChatStream(ctx, model, messages, tools, callback)
		if err == nil {
			if attempt > 0 {
				logger.Info("chat succeeded after retry",
					"model", model,
					"attempts", attempt+1,
				)
			}
			return resp, nil
		}

		lastErr = err
		if !IsTransient(err) || attempt >= maxRetries {
			return nil, lastErr
		}

		logger.Warn("transient provider failure, retrying",
			"model", model,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
