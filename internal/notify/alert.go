// ABOUTME: Operator alerts for delivery failures and bans
// ABOUTME: Matrix room alerter, log-only fallback, and a throttle that drops repeats within a window

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/keygate/internal/ratelimit"
)

const sendTimeout = 30 * time.Second

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// MatrixConfig holds the Matrix account alerts are posted from.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// MatrixAlerter posts alerts as text messages to a Matrix room.
type MatrixAlerter struct {
	client *mautrix.Client
	room   id.RoomID
}

// NewMatrixAlerter creates an alerter. It does not contact the homeserver.
func NewMatrixAlerter(cfg MatrixConfig) (*MatrixAlerter, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("matrix alerts need a room id")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixAlerter{client: client, room: id.RoomID(cfg.RoomID)}, nil
}

func (a *MatrixAlerter) Alert(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := a.client.SendText(ctx, a.room, text); err != nil {
		return fmt.Errorf("sending matrix alert: %w", err)
	}
	return nil
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: slog.Default().With("component", "alerts")}
}

func (a *LogAlerter) Alert(_ context.Context, text string) error {
	a.logger.Warn("operator alert", "text", text)
	return nil
}

// ThrottledAlerter forwards an alert text at most once per window.
type ThrottledAlerter struct {
	next    Alerter
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewThrottledAlerter wraps next. Call Close to stop the background cleanup.
func NewThrottledAlerter(next Alerter, window time.Duration) *ThrottledAlerter {
	return &ThrottledAlerter{
		next:    next,
		limiter: ratelimit.New(rate.Every(window), 1, window, 10_000),
		logger:  slog.Default().With("component", "alerts"),
	}
}

func (a *ThrottledAlerter) Alert(ctx context.Context, text string) error {
	if !a.limiter.Allow(text) {
		a.logger.Debug("duplicate alert suppressed")
		return nil
	}
	return a.next.Alert(ctx, text)
}

func (a *ThrottledAlerter) Close() {
	a.limiter.Close()
}
