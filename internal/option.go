package internal

// Option is a functional option for configuring the sync engine entrypoints
// (Run and RunMCP).
type Option func(*application)

type application struct {
	config *Config
}

// WithConfig sets the engine configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
