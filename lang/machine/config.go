package machine

import "github.com/caarlos0/env/v6"

// Config bounds the resources of a machine instance. The zero value of a
// field selects its default.
type Config struct {
	// StackSize is the fixed capacity of the value stack. Pushing at
	// capacity is a fatal stack overflow.
	StackSize int `env:"NYMPH_STACK_SIZE" envDefault:"4096"`

	// MaxFrames bounds the call-frame stack.
	MaxFrames int `env:"NYMPH_MAX_FRAMES" envDefault:"256"`

	// GCTrigger is the number of live objects that triggers the first
	// collection.
	GCTrigger int `env:"NYMPH_GC_TRIGGER" envDefault:"1024"`

	// GCGrowth multiplies the trigger threshold after each collection.
	GCGrowth int `env:"NYMPH_GC_GROWTH" envDefault:"2"`
}

const (
	defaultStackSize = 4096
	defaultMaxFrames = 256
	defaultGCTrigger = 1024
	defaultGCGrowth  = 2
)

// ConfigFromEnv returns a Config populated from the NYMPH_* environment
// variables, with defaults for the unset ones.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.StackSize <= 0 {
		c.StackSize = defaultStackSize
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = defaultMaxFrames
	}
	if c.GCTrigger <= 0 {
		c.GCTrigger = defaultGCTrigger
	}
	if c.GCGrowth < 2 {
		c.GCGrowth = defaultGCGrowth
	}
	return c
}
