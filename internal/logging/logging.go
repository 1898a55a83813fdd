// Package logging wires up the structured logger used throughout the
// sandbox execution engine: console output for debug runs, JSON for
// production.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger. In debug mode it uses a human-readable console
// encoder; otherwise JSON, for running under a log collector.
func New(debug bool) (*zap.Logger, error) {
	var conf zap.Config
	if debug {
		conf = zap.NewDevelopmentConfig()
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		conf = zap.NewProductionConfig()
	}

	return conf.Build()
}

// WithSessionID returns a zap field for a session id.
func WithSessionID(id string) zap.Field { return zap.String("session_id", id) }

// WithUserID returns a zap field for a user id.
func WithUserID(id string) zap.Field { return zap.String("user_id", id) }

// WithExerciseID returns a zap field for an exercise id.
func WithExerciseID(id string) zap.Field { return zap.String("exercise_id", id) }

// WithTopology returns a zap field for a topology name.
func WithTopology(name string) zap.Field { return zap.String("topology_name", name) }
