// Package ledger declares the user ledger collaborator: an external system
// that awards XP/points. Only the award side effect matters to this
// engine; everything else about gamification lives elsewhere.
package ledger

import (
	"context"

	"go.uber.org/zap"
)

// Ledger is the interface the Attempt Recorder calls, best-effort, after a
// passing attempt commits.
type Ledger interface {
	// AwardPoints grants amount points to user. amount is always >= 0.
	AwardPoints(ctx context.Context, user string, amount int) error
}

// LoggingLedger is a no-op Ledger that only logs awards, for running this
// engine standalone without the real gamification system wired up.
type LoggingLedger struct {
	log *zap.Logger
}

func NewLoggingLedger(log *zap.Logger) *LoggingLedger {
	return &LoggingLedger{log: log}
}

func (l *LoggingLedger) AwardPoints(_ context.Context, user string, amount int) error {
	l.log.Info("awarding points", zap.String("user", user), zap.Int("amount", amount))
	return nil
}
