package coord

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/emit"
	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

// Service wires the whole coordination stack from one Config: primary
// store, checkpoint store, file tracker, state adapter, controller,
// coordinator, processor and integrity checker.
//
// Typical bootstrap:
//
//	cfg, err := coord.NewConfig(
//		coord.WithStorageMode(coord.StorageSQL),
//		coord.WithPrimaryDBURL("flowtx.db"),
//		coord.WithCheckpointStoreURL("checkpoints.db"),
//		coord.WithFileStoreRoot("/srv/workspace"),
//	)
//	svc, err := coord.NewService(cfg, nil, nil, logger)
//	defer svc.Close()
//	svc.Processor.Start(ctx)
type Service struct {
	Config      Config
	Factory     store.Factory
	Checkpoints checkpoint.Store
	Tracker     *track.Service
	Cleanup     *track.Cleanup
	Adapter     *StateAdapter
	Controller  *ExecutionController
	Coordinator *Coordinator
	Processor   *Processor
	Checker     *Checker
	Metrics     *PrometheusMetrics

	closers []func() error
}

// NewService assembles a Service from the configuration. Registry,
// emitter and logger may be nil; nil disables metrics registration on a
// custom registry (the default registerer is used), discards events and
// uses the standard logger respectively.
func NewService(cfg Config, registry prometheus.Registerer, emitter emit.Emitter, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if emitter == nil {
		emitter = emit.NewLogEmitter(log)
	}

	svc := &Service{Config: cfg}

	factory, closeFactory, err := openFactory(cfg)
	if err != nil {
		return nil, err
	}
	svc.Factory = factory
	if closeFactory != nil {
		svc.closers = append(svc.closers, closeFactory)
	}

	checkpoints, closeCheckpoints, err := openCheckpointStore(cfg)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Checkpoints = checkpoints
	if closeCheckpoints != nil {
		svc.closers = append(svc.closers, closeCheckpoints)
	}

	svc.Metrics = NewPrometheusMetrics(registry)
	svc.Tracker = track.NewService(factory, cfg.FileStoreRoot, log)
	svc.Cleanup = track.NewCleanup(svc.Tracker, log)
	svc.Cleanup.SetMaxFiles(cfg.CleanupMaxFiles)
	svc.Adapter = NewStateAdapter(factory, checkpoints, svc.Tracker, emitter, log)
	svc.Controller = NewExecutionController(factory, svc.Adapter, emitter, log)
	svc.Controller.SetEventRetryCap(cfg.MaxRetries)
	svc.Coordinator = NewCoordinator(factory, svc.Adapter, emitter, svc.Metrics, log)
	svc.Coordinator.SetEventRetryCap(cfg.MaxRetries)
	svc.Processor = NewProcessor(factory, checkpoints, svc.Tracker, cfg, svc.Metrics, emitter, log)
	svc.Checker = NewChecker(factory, checkpoints, log)
	return svc, nil
}

// Close releases the underlying stores. Stop the processor first.
func (s *Service) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

func openFactory(cfg Config) (store.Factory, func() error, error) {
	switch cfg.StorageMode {
	case StorageInMemory:
		return store.NewMemFactory(), nil, nil
	case StorageSQL:
		if isMySQLDSN(cfg.PrimaryDBURL) {
			f, err := store.NewMySQLFactory(strings.TrimPrefix(cfg.PrimaryDBURL, "mysql://"))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open primary store: %w", err)
			}
			return f, f.Close, nil
		}
		f, err := store.NewSQLiteFactory(cfg.PrimaryDBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open primary store: %w", err)
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage mode %q", ErrValidation, cfg.StorageMode)
	}
}

func openCheckpointStore(cfg Config) (checkpoint.Store, func() error, error) {
	if cfg.CheckpointStoreURL == "" {
		return checkpoint.NewMemStore(), nil, nil
	}
	s, err := checkpoint.NewSQLiteStore(cfg.CheckpointStoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return s, s.Close, nil
}

// isMySQLDSN distinguishes a go-sql-driver DSN from a SQLite path. A
// mysql:// prefix or the driver's user@proto(addr)/db shape selects
// MySQL.
func isMySQLDSN(url string) bool {
	if strings.HasPrefix(url, "mysql://") {
		return true
	}
	at := strings.Index(url, "@")
	return at > 0 && strings.Contains(url[at:], "(")
}
