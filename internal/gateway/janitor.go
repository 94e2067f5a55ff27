// ABOUTME: Periodic removal of expired challenges, lifted bans and stale e-mail tokens
// ABOUTME: Runs in the background on the configured janitor interval

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/emailverify"
)

// Janitor purges expired records on an interval.
type Janitor struct {
	engine   *challenge.Engine
	email    *emailverify.Flow
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor. A non-positive interval means one minute.
func NewJanitor(engine *challenge.Engine, email *emailverify.Flow, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		engine:   engine,
		email:    email,
		interval: interval,
		logger:   slog.Default().With("component", "janitor"),
	}
}

// RunOnce performs a single purge pass.
func (j *Janitor) RunOnce(ctx context.Context) error {
	challenges, bans, cerr := j.engine.Purge(ctx)
	tokens, terr := j.email.Purge(ctx)

	if challenges+bans+tokens > 0 {
		j.logger.Debug("purged expired records", "challenges", challenges, "bans", bans, "email_tokens", tokens)
	}
	return errors.Join(cerr, terr)
}

// Run purges until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("purge failed", "error", err)
			}
		}
	}
}
