package coord

import (
	"fmt"
	"time"
)

// Storage mode selectors for NewConfig.
const (
	StorageInMemory = "inmemory"
	StorageSQL      = "sql"
)

// Defaults applied by NewConfig when an option does not override them.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultBatchSize       = 50
	DefaultMaxRetries      = 5
	DefaultRetentionDays   = 7
	DefaultCleanupMaxFiles = 100
)

// Config carries the tunables shared by the processor, the coordinator
// and the state adapter. Build one through NewConfig; zero values are
// replaced by the defaults above.
type Config struct {
	// StorageMode selects the primary-store backend, StorageInMemory
	// or StorageSQL.
	StorageMode string

	// PrimaryDBURL is the DSN of the primary relational store. Ignored
	// for StorageInMemory.
	PrimaryDBURL string

	// CheckpointStoreURL is the DSN (or path) of the external
	// checkpoint store.
	CheckpointStoreURL string

	// FileStoreRoot is the workspace directory whose files are tracked
	// and restored by the file store.
	FileStoreRoot string

	// PollInterval is how long the outbox worker sleeps after draining
	// the pending queue.
	PollInterval time.Duration

	// BatchSize caps the events fetched per outbox poll.
	BatchSize int

	// MaxRetries caps outbox delivery attempts before an event is
	// parked as failed.
	MaxRetries int

	// RetentionDays controls how long processed outbox events are kept
	// before CleanupOldEvents deletes them.
	RetentionDays int

	// StrictVerification makes the processor fail events whose
	// referenced checkpoint or file commit is missing, instead of
	// logging and succeeding.
	StrictVerification bool

	// CleanupMaxFiles is the safety cap above which orphaned-file
	// cleanup refuses to act.
	CleanupMaxFiles int
}

// Option configures a Config.
type Option func(*Config) error

// NewConfig builds a Config from the defaults and the given options.
func NewConfig(opts ...Option) (Config, error) {
	cfg := Config{
		StorageMode:     StorageInMemory,
		PollInterval:    DefaultPollInterval,
		BatchSize:       DefaultBatchSize,
		MaxRetries:      DefaultMaxRetries,
		RetentionDays:   DefaultRetentionDays,
		CleanupMaxFiles: DefaultCleanupMaxFiles,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.StorageMode == StorageSQL && cfg.PrimaryDBURL == "" {
		return Config{}, fmt.Errorf("%w: sql storage mode requires a primary DB URL", ErrValidation)
	}
	return cfg, nil
}

// WithStorageMode selects the primary-store backend.
func WithStorageMode(mode string) Option {
	return func(c *Config) error {
		if mode != StorageInMemory && mode != StorageSQL {
			return fmt.Errorf("%w: unknown storage mode %q", ErrValidation, mode)
		}
		c.StorageMode = mode
		return nil
	}
}

// WithPrimaryDBURL sets the primary relational store DSN.
func WithPrimaryDBURL(url string) Option {
	return func(c *Config) error {
		c.PrimaryDBURL = url
		return nil
	}
}

// WithCheckpointStoreURL sets the external checkpoint store DSN.
func WithCheckpointStoreURL(url string) Option {
	return func(c *Config) error {
		c.CheckpointStoreURL = url
		return nil
	}
}

// WithFileStoreRoot sets the tracked workspace directory.
func WithFileStoreRoot(root string) Option {
	return func(c *Config) error {
		if root == "" {
			return fmt.Errorf("%w: file store root must not be empty", ErrValidation)
		}
		c.FileStoreRoot = root
		return nil
	}
}

// WithPollInterval sets the outbox worker poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be positive, got %v", ErrValidation, d)
		}
		c.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the per-poll outbox batch size.
func WithBatchSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: batch size must be positive, got %d", ErrValidation, n)
		}
		c.BatchSize = n
		return nil
	}
}

// WithMaxRetries caps outbox delivery attempts.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: max retries must not be negative, got %d", ErrValidation, n)
		}
		c.MaxRetries = n
		return nil
	}
}

// WithRetentionDays sets processed-event retention.
func WithRetentionDays(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: retention days must be positive, got %d", ErrValidation, n)
		}
		c.RetentionDays = n
		return nil
	}
}

// WithStrictVerification toggles strict handler verification.
func WithStrictVerification(strict bool) Option {
	return func(c *Config) error {
		c.StrictVerification = strict
		return nil
	}
}

// WithCleanupMaxFiles sets the orphaned-file cleanup safety cap.
func WithCleanupMaxFiles(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: cleanup max files must be positive, got %d", ErrValidation, n)
		}
		c.CleanupMaxFiles = n
		return nil
	}
}
