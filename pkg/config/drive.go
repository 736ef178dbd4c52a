package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/drive"
	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/gc"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
	"gopkg.in/yaml.v3"
)

// State is what a drive remembers between runs: the id of its root and
// the services mounted on it.
type State struct {
	DriveRootID string         `yaml:"drive_root_id,omitempty"`
	Services    []ServiceState `yaml:"services,omitempty"`
}

// ServiceState records a mounted service.
type ServiceState struct {
	Alias  string `yaml:"alias"`
	Store  string `yaml:"store"`
	RootID string `yaml:"root_id"`
}

// LoadState reads the state file at path. A missing file yields an empty
// state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state to path, replacing the previous file atomically.
func (s *State) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *State) service(alias string) (int, bool) {
	for i, svc := range s.Services {
		if svc.Alias == alias {
			return i, true
		}
	}
	return -1, false
}

func (s *State) serviceByStore(store string) (int, bool) {
	for i, svc := range s.Services {
		if svc.Store == store {
			return i, true
		}
	}
	return -1, false
}

// Drive is a RootHandler bound to its configuration and state file.
type Drive struct {
	*drive.RootHandler

	cfg            *Config
	defaultStorage storage.Storage
	stopFlusher    context.CancelFunc
	collector      *gc.Collector
	gcMetrics      metrics.GCMetrics

	mu    sync.Mutex
	state *State
}

// InitializeDrive creates a fully configured Drive from the provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Loads the state file
//  2. Creates the self-encryptor
//  3. Opens the default store, if any
//  4. Creates or rehydrates the drive root
//  5. Remounts the services recorded in the state file
//  6. Mounts configured services that were never mounted
//  7. Saves the state and starts the background flusher and collector
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Complete configuration loaded from config file
//   - m: Metrics components (see InitializeMetrics)
//
// Returns:
//   - *Drive: Ready drive; call Close when done
//   - error: If a store cannot be opened or the root cannot be loaded
//
// Services that fail to remount are logged and left out; the drive is
// still usable.
func InitializeDrive(ctx context.Context, cfg *Config, m *MetricsResult) (*Drive, error) {
	logger.Debug("Initializing drive from configuration")

	// Step 1: State
	state, err := LoadState(cfg.Drive.StateFile)
	if err != nil {
		return nil, err
	}

	// Step 2: Encryptor
	enc, err := encrypt.New(cfg.Encryption.Encryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	d := &Drive{cfg: cfg, state: state, gcMetrics: m.GC}

	// Step 3: Default store
	var rootID drive.DirectoryID
	if cfg.DefaultStore != "" {
		d.defaultStorage, err = OpenStore(ctx, cfg, cfg.DefaultStore, m.Enabled)
		if err != nil {
			return nil, err
		}
		if state.DriveRootID != "" {
			rootID, err = drive.ParseDirectoryID(state.DriveRootID)
			if err != nil {
				d.closeDefault()
				return nil, fmt.Errorf("state file: %w", err)
			}
		}
	}

	// Step 4: Root
	root, err := drive.NewRootHandler(ctx, drive.RootConfig{
		DefaultStorage: d.defaultStorage,
		UserID:         cfg.Drive.UserID,
		DriveRootID:    rootID,
		Encryptor:      enc,
		OpenStorage: func(ctx context.Context, storePath string) (storage.Storage, error) {
			return OpenStore(ctx, cfg, storePath, m.Enabled)
		},
		OnServiceAdded: func() {
			logger.Debug("Service mounted")
		},
		OnServiceRemoved: func(alias string) {
			logger.Debug("Service %s removed", alias)
		},
		OnServiceRenamed: d.serviceRenamed,
		ReadOnlyServices: readOnlyAliases(cfg, state),
		CacheSize:        cfg.Drive.CacheSize,
		Metrics:          m.Drive,
	})
	if err != nil {
		d.closeDefault()
		return nil, fmt.Errorf("failed to open drive root: %w", err)
	}
	d.RootHandler = root
	if cfg.DefaultStore != "" {
		state.DriveRootID = root.DriveRootID().String()
	}

	// Step 5: Remount recorded services
	d.remountServices(ctx)

	// Step 6: Mount new configured services
	for _, svc := range cfg.Services {
		if _, ok := state.serviceByStore(svc.Store); ok {
			continue
		}
		id, err := root.AddService(ctx, svc.Alias, svc.Store, drive.DirectoryID{})
		if err != nil {
			logger.Warn("Failed to mount service %s: %v", svc.Alias, err)
			continue
		}
		state.Services = append(state.Services, ServiceState{Alias: svc.Alias, Store: svc.Store, RootID: id.String()})
	}

	// Step 7: Persist and start background work
	if err := d.SaveState(); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}

	if cfg.Drive.FlushInterval > 0 {
		flushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.stopFlusher = cancel
		root.StartFlusher(flushCtx, cfg.Drive.FlushInterval)
	}
	if cfg.GC.Enabled {
		d.collector = gc.NewCollector(root, cfg.GC.collector(m.GC))
		d.collector.Start()
	}

	logger.Info("Drive ready: root=%s, services=%v", root.DriveRootID(), root.Services())
	return d, nil
}

// readOnlyAliases maps configured read-only services to their current
// aliases, following renames recorded in the state.
func readOnlyAliases(cfg *Config, state *State) []string {
	var aliases []string
	for _, svc := range cfg.Services {
		if !svc.ReadOnly {
			continue
		}
		alias := svc.Alias
		if i, ok := state.serviceByStore(svc.Store); ok {
			alias = state.Services[i].Alias
		}
		aliases = append(aliases, alias)
	}
	return aliases
}

func (d *Drive) remountServices(ctx context.Context) {
	d.mu.Lock()
	recorded := append([]ServiceState(nil), d.state.Services...)
	d.mu.Unlock()

	for _, svc := range recorded {
		id, err := drive.ParseDirectoryID(svc.RootID)
		if err != nil {
			logger.Warn("Skipping service %s: %v", svc.Alias, err)
			continue
		}
		if _, ok := d.cfg.Stores[svc.Store]; !ok {
			logger.Warn("Skipping service %s: store %q is no longer configured", svc.Alias, svc.Store)
			continue
		}
		if _, err := d.AddService(ctx, svc.Alias, svc.Store, id); err != nil {
			logger.Warn("Failed to remount service %s: %v", svc.Alias, err)
		}
	}
}

func (d *Drive) serviceRenamed(oldAlias, newAlias string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i, ok := d.state.service(oldAlias); ok {
		d.state.Services[i].Alias = newAlias
	}
	logger.Info("Service %s renamed to %s", oldAlias, newAlias)

	// The state file must follow the alias the drive root now records
	if err := d.state.Save(d.cfg.Drive.StateFile); err != nil {
		logger.Error("Failed to save state after renaming service %s: %v", oldAlias, err)
	}
}

// Mount creates a new service on store and records it.
func (d *Drive) Mount(ctx context.Context, alias, store string) (drive.DirectoryID, error) {
	if _, ok := d.cfg.Stores[store]; !ok {
		return drive.DirectoryID{}, fmt.Errorf("unknown store %q", store)
	}
	if store == d.cfg.DefaultStore {
		return drive.DirectoryID{}, fmt.Errorf("store %q already backs the drive root", store)
	}

	id, err := d.AddService(ctx, alias, store, drive.DirectoryID{})
	if err != nil {
		return drive.DirectoryID{}, err
	}

	d.mu.Lock()
	d.state.Services = append(d.state.Services, ServiceState{Alias: alias, Store: store, RootID: id.String()})
	d.mu.Unlock()

	return id, d.SaveState()
}

// Unmount removes the service at alias. With purge its content is deleted
// from the backend as well.
func (d *Drive) Unmount(ctx context.Context, alias string, purge bool) error {
	var err error
	if purge {
		_, err = d.DeleteElement(ctx, "/"+alias, true)
	} else {
		err = d.RemoveService(ctx, alias)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	if i, ok := d.state.service(alias); ok {
		d.state.Services = append(d.state.Services[:i], d.state.Services[i+1:]...)
	}
	d.mu.Unlock()

	return d.SaveState()
}

// CollectGarbage runs one garbage collection over every backend of the
// drive. dryRun forces a dry run whatever the configuration says.
func (d *Drive) CollectGarbage(ctx context.Context, dryRun bool) (*gc.Stats, error) {
	cfg := d.cfg.GC.collector(d.gcMetrics)
	cfg.DryRun = cfg.DryRun || dryRun
	return gc.NewCollector(d.RootHandler, cfg).RunNow(ctx)
}

// State returns a copy of the drive state.
func (d *Drive) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := *d.state
	st.Services = append([]ServiceState(nil), d.state.Services...)
	return st
}

// SaveState writes the state file.
func (d *Drive) SaveState() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Save(d.cfg.Drive.StateFile)
}

func (d *Drive) closeDefault() {
	if d.defaultStorage == nil {
		return
	}
	if err := storage.Close(d.defaultStorage); err != nil {
		logger.Warn("Failed to close default store: %v", err)
	}
}

// Close stops the background work, flushes and closes every backend and
// saves the state.
func (d *Drive) Close(ctx context.Context) error {
	if d.stopFlusher != nil {
		d.stopFlusher()
	}

	var errs []error
	if d.collector != nil {
		if err := d.collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping garbage collector: %w", err))
		}
	}
	if err := d.RootHandler.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.defaultStorage != nil {
		if err := storage.Close(d.defaultStorage); err != nil {
			errs = append(errs, fmt.Errorf("closing default store: %w", err))
		}
	}
	if err := d.SaveState(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
