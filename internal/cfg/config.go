// Package cfg parses the sandbox execution engine's environment
// configuration knobs into a single tagged struct.
package cfg

import "github.com/caarlos0/env/v11"

const (
	DefaultControllerImage  = "ansible-sandbox/controller:latest"
	DefaultManagedNodeImage = "ansible-sandbox/managed-node:latest"
	DefaultManagedNodeCount = 2
)

// Config is the full set of environment/configuration knobs the engine
// reads.
type Config struct {
	PostgresConnectionString string `env:"POSTGRES_CONNECTION_STRING,required,notEmpty"`
	RedisURL                 string `env:"REDIS_URL"`

	DockerHost string `env:"DOCKER_HOST"`

	SandboxControllerImage  string `env:"SANDBOX_CONTROLLER_IMAGE"`
	SandboxManagedNodeImage string `env:"SANDBOX_MANAGED_NODE_IMAGE"`
	ManagedNodeCount        int    `env:"SANDBOX_MANAGED_NODE_COUNT" envDefault:"2"`

	// SandboxMemoryBytes bounds the controller container's memory; managed
	// nodes get a quarter of this by default.
	SandboxMemoryBytes int64   `env:"SANDBOX_MEMORY_BYTES" envDefault:"536870912"`
	SandboxCPUFraction float64 `env:"SANDBOX_CPU_FRACTION" envDefault:"0.5"`

	SessionTTLSeconds int `env:"SESSION_TTL_SECONDS" envDefault:"1800"`
	SweepIntervalSecs int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"300"`

	// StartingRecoveryWindowSeconds bounds how long a `starting` session
	// row may persist before the Sweeper ages it out as `error`.
	StartingRecoveryWindowSeconds int `env:"STARTING_RECOVERY_WINDOW_SECONDS" envDefault:"120"`

	SubmissionsPerUserPerMinute int `env:"SUBMISSIONS_PER_USER_PER_MINUTE" envDefault:"10"`

	// DefaultMaxAttempts is parsed from the environment but not read by any
	// component; the attempt cap comes from Exercise.MaxAttempts alone.
	DefaultMaxAttempts int `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"0"`

	// HintPenaltyFraction is the fraction of exercise.points deducted per
	// hint used, clamped so the award never drops below zero.
	HintPenaltyFraction float64 `env:"HINT_PENALTY_FRACTION" envDefault:"0.1"`

	HTTPPort int  `env:"HTTP_PORT" envDefault:"8080"`
	Debug    bool `env:"DEBUG" envDefault:"false"`
}

// Parse reads Config from the environment and applies post-parse
// defaults that env tags alone can't express.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}

	if c.SandboxControllerImage == "" {
		c.SandboxControllerImage = DefaultControllerImage
	}
	if c.SandboxManagedNodeImage == "" {
		c.SandboxManagedNodeImage = DefaultManagedNodeImage
	}
	if c.ManagedNodeCount <= 0 {
		c.ManagedNodeCount = DefaultManagedNodeCount
	}

	return c, nil
}
