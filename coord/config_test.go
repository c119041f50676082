package coord

import (
	"errors"
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.StorageMode != StorageInMemory {
		t.Errorf("storage mode = %s, want %s", cfg.StorageMode, StorageInMemory)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("batch size = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("max retries = %d, want %d", cfg.MaxRetries, DefaultMaxRetries)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.CleanupMaxFiles != DefaultCleanupMaxFiles {
		t.Errorf("cleanup cap = %d, want %d", cfg.CleanupMaxFiles, DefaultCleanupMaxFiles)
	}
	if cfg.StrictVerification {
		t.Error("strict verification should default off")
	}
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithStorageMode(StorageSQL),
		WithPrimaryDBURL("primary.db"),
		WithCheckpointStoreURL("checkpoints.db"),
		WithFileStoreRoot("/srv/workspace"),
		WithPollInterval(2*time.Second),
		WithBatchSize(100),
		WithMaxRetries(3),
		WithRetentionDays(7),
		WithStrictVerification(true),
		WithCleanupMaxFiles(500),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.StorageMode != StorageSQL || cfg.PrimaryDBURL != "primary.db" {
		t.Errorf("storage = %s %s", cfg.StorageMode, cfg.PrimaryDBURL)
	}
	if cfg.BatchSize != 100 || cfg.MaxRetries != 3 || cfg.RetentionDays != 7 || cfg.CleanupMaxFiles != 500 {
		t.Errorf("numeric options not applied: %+v", cfg)
	}
	if !cfg.StrictVerification || cfg.PollInterval != 2*time.Second {
		t.Errorf("options not applied: %+v", cfg)
	}
}

func TestNewConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"unknown storage mode", []Option{WithStorageMode("etcd")}},
		{"sql without url", []Option{WithStorageMode(StorageSQL)}},
		{"zero poll interval", []Option{WithPollInterval(0)}},
		{"negative batch size", []Option{WithBatchSize(-1)}},
		{"negative max retries", []Option{WithMaxRetries(-1)}},
		{"zero retention", []Option{WithRetentionDays(0)}},
		{"empty file root", []Option{WithFileStoreRoot("")}},
		{"zero cleanup cap", []Option{WithCleanupMaxFiles(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewConfig(tc.opts...); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}
