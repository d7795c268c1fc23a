package policy

// Mode selects how policy decisions are applied.
type Mode string

const (
	// ModeOff disables evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates and logs decisions without applying them.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce applies decisions.
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine settings.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	Mode    Mode `mapstructure:"mode"`

	// Path is the directory holding .rego policy files.
	Path string `mapstructure:"path"`

	// FailClosed denies everything when policies cannot be loaded or
	// evaluated. The default is fail-open.
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment is passed through to policies as input.environment.
	Environment string `mapstructure:"environment"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Mode:        ModeOff,
		Path:        "config/policies",
		Environment: "dev",
	}
}

// normalize maps unknown or empty modes to off. An off mode disables the
// engine regardless of Enabled.
func (c *Config) normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
}
