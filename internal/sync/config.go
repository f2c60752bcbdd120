package sync

const (
	DefaultMaxRetries = 3
	DefaultBatchSize  = 50
)

// Config holds the engine tunables. Zero values fall back to the defaults.
type Config struct {
	MaxRetries int
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}
