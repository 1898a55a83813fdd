// Package model holds the data types shared across the sandbox execution
// engine: the inputs it receives from external collaborators (Exercise,
// TestCase), the state it owns (Session, Attempt), and the in-memory
// results that flow between its components (ExecutionResult, TestReport).
package model

import (
	"time"

	"github.com/google/uuid"
)

// TestCaseType is the tagged-variant discriminator for a TestCase.
type TestCaseType string

const (
	TestCaseOutputContains TestCaseType = "output_contains"
	TestCaseExitCode       TestCaseType = "exit_code"
	TestCaseTaskChanged    TestCaseType = "task_changed"
	TestCaseNoErrors       TestCaseType = "no_errors"
)

// TestCase is an immutable declarative assertion attached to an Exercise.
// Expected is interpreted per Type: a string for output_contains, an
// integer for exit_code, unused for task_changed/no_errors.
type TestCase struct {
	Type     TestCaseType `json:"type"`
	Name     string       `json:"name"`
	Expected any          `json:"expected,omitempty"`
}

// Exercise is the read-only input the Content Store supplies for an
// exercise identifier. SolutionCode never leaves the Content Store and is
// deliberately not serialized to JSON.
type Exercise struct {
	ID               string     `json:"id"`
	Points           int        `json:"points"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	MaxAttempts      int        `json:"max_attempts"`
	TestCases        []TestCase `json:"test_cases"`
	StarterCode      string     `json:"starter_code"`
	SolutionCode     string     `json:"-"`
}

// SessionState is the lifecycle state of a Session row.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopped  SessionState = "stopped"
	SessionError    SessionState = "error"
	SessionExpired  SessionState = "expired"
)

// terminalStates are states a Session can never leave.
var terminalStates = map[SessionState]bool{
	SessionStopped: true,
	SessionError:   true,
	SessionExpired: true,
}

// IsTerminal reports whether s is a terminal lifecycle state.
func (s SessionState) IsTerminal() bool {
	return terminalStates[s]
}

// Session is a Session Registry row: the durable record of one live (or
// once-live) topology.
type Session struct {
	ID           uuid.UUID
	Owner        string
	TopologyName string
	ControllerID string // empty until promoted
	State        SessionState
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// Active reports whether the session is running and not yet expired as of now.
func (s Session) Active(now time.Time) bool {
	return s.State == SessionRunning && s.ExpiresAt.After(now)
}

// ExecutionResult is the Executor's in-memory output of one playbook run.
// It is never persisted as its own entity; it is folded into an Attempt.
type ExecutionResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	WallTime time.Duration
	Error    string // set whenever no real exit code was obtained (pre-execution failure, timeout, unreadable result)
}

// NoExecutionExitCode is the sentinel exit code denoting that no real
// exit code was obtained: no execution occurred (container missing, write
// failure, ...), or the run was killed at its time limit, or its output
// or exit status could not be read. Test Runner must treat it as a
// failure regardless of test case type.
const NoExecutionExitCode = -1

// TestCaseResult is the per-case verdict produced by the Test Runner.
type TestCaseResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Actual string `json:"actual,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TestReport is the Test Runner's aggregate output.
type TestReport struct {
	Passed      bool             `json:"passed"`
	TotalTests  int              `json:"total_tests"`
	PassedTests int              `json:"passed_tests"`
	FailedTests int              `json:"failed_tests"`
	TestResults []TestCaseResult `json:"test_results"`
	Error       string           `json:"error,omitempty"`
}

// Attempt is an immutable Attempt Recorder row.
type Attempt struct {
	ID            uuid.UUID
	Owner         string
	ExerciseID    string
	Code          string
	Stdout        string
	Stderr        string
	TestReport    TestReport
	Passed        bool
	WallTimeSecs  *float64
	HintsUsed     int
	AttemptNumber int
	CreatedAt     time.Time
}
