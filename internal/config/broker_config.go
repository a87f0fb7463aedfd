package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DriverConfig is one venue's wire endpoint and connection-key fanout.
type DriverConfig struct {
	Endpoint               string `yaml:"endpoint"`
	ConnectionsPerExchange int    `yaml:"connections_per_exchange" default:"4"`
}

// BrokerConfig is the broker's own configuration surface (spec.md §4,
// §7): which cores to pin pipeline units to, per-venue endpoints, book
// depth, and the subscribe/unsubscribe/backoff timers of the
// subscription state machine.
type BrokerConfig struct {
	Environment string `yaml:"environment" default:"development"`

	// CoreMask selects which logical CPUs get a pinned pipeline unit;
	// one bit per core (spec.md §7).
	CoreMask uint64 `yaml:"core_mask" default:"1"`

	// BookDepth is validated to lie in (0, 32]. Books always retain
	// book.K levels per side; this value does not change that.
	BookDepth int `yaml:"book_depth" default:"32"`

	Drivers map[string]DriverConfig `yaml:"drivers"`

	Timers struct {
		SubscribeAck   time.Duration `yaml:"subscribe_ack" default:"5s"`
		UnsubscribeAck time.Duration `yaml:"unsubscribe_ack" default:"5s"`
		BackoffMax     time.Duration `yaml:"backoff_max" default:"30s"`
	} `yaml:"timers"`

	Metrics struct {
		EnablePrometheus bool `yaml:"enable_prometheus" default:"true"`
		Port             int  `yaml:"port" default:"9090"`
	} `yaml:"metrics"`

	GC HFTGCConfig `yaml:"gc"`
}

// BrokerConfigManager hot-reloads BrokerConfig off a YAML file,
// mirroring HFTConfigManager's viper+fsnotify+atomic.Value shape but
// scoped to the broker's own fields rather than the trading stack's.
type BrokerConfigManager struct {
	viper      *viper.Viper
	configPath string

	config atomic.Value // *BrokerConfig

	watcher    *fsnotify.Watcher
	reloadChan chan struct{}

	callbacks []func(*BrokerConfig)
	cbLock    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrokerConfigManager loads configPath and starts watching it for
// changes. If configPath does not exist, defaults are used and no file
// watch is installed.
func NewBrokerConfigManager(configPath string) (*BrokerConfigManager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &BrokerConfigManager{
		viper:      viper.New(),
		configPath: configPath,
		reloadChan: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	mgr.viper.SetConfigFile(configPath)
	mgr.viper.SetEnvPrefix("L2BROKER")
	mgr.viper.AutomaticEnv()
	mgr.setDefaults()

	if err := mgr.loadConfig(); err != nil {
		cancel()
		return nil, err
	}

	if _, err := os.Stat(configPath); err == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		mgr.watcher = watcher
		if err := mgr.startWatcher(); err != nil {
			cancel()
			return nil, err
		}
	}

	return mgr, nil
}

func (m *BrokerConfigManager) setDefaults() {
	m.viper.SetDefault("environment", "development")
	m.viper.SetDefault("core_mask", 1)
	m.viper.SetDefault("book_depth", 32)
	m.viper.SetDefault("timers.subscribe_ack", "5s")
	m.viper.SetDefault("timers.unsubscribe_ack", "5s")
	m.viper.SetDefault("timers.backoff_max", "30s")
	m.viper.SetDefault("metrics.enable_prometheus", true)
	m.viper.SetDefault("metrics.port", 9090)
	m.viper.SetDefault("gc.gc_percent", 300)
	m.viper.SetDefault("gc.enable_memory_limit", false)
	m.viper.SetDefault("gc.enable_gc_monitoring", true)
	m.viper.SetDefault("gc.gc_stats_interval", "30s")
}

func (m *BrokerConfigManager) loadConfig() error {
	if _, err := os.Stat(m.configPath); err == nil {
		if err := m.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &BrokerConfig{}
	// Match keys by the yaml tags (core_mask, subscribe_ack, ...) rather
	// than mapstructure's default field-name matching.
	useYAMLTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := m.viper.Unmarshal(cfg, useYAMLTags); err != nil {
		return fmt.Errorf("failed to unmarshal broker config: %w", err)
	}

	m.config.Store(cfg)
	m.notifyCallbacks(cfg)
	return nil
}

func (m *BrokerConfigManager) startWatcher() error {
	configDir := filepath.Dir(m.configPath)
	if err := m.watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *BrokerConfigManager) watchLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name == m.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
				select {
				case m.reloadChan <- struct{}{}:
				default:
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.reloadChan:
			time.Sleep(100 * time.Millisecond)
			_ = m.loadConfig()
		}
	}
}

func (m *BrokerConfigManager) notifyCallbacks(cfg *BrokerConfig) {
	m.cbLock.RLock()
	defer m.cbLock.RUnlock()
	for _, cb := range m.callbacks {
		go cb(cfg)
	}
}

// GetConfig returns the current configuration.
func (m *BrokerConfigManager) GetConfig() *BrokerConfig {
	return m.config.Load().(*BrokerConfig)
}

// RegisterCallback registers a callback invoked (in its own goroutine)
// whenever the config file is reloaded. A reload changes what GetConfig
// returns and what callbacks receive; running pipeline units keep the
// timers they were built with.
func (m *BrokerConfigManager) RegisterCallback(cb func(*BrokerConfig)) {
	m.cbLock.Lock()
	defer m.cbLock.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Close stops the watcher goroutine.
func (m *BrokerConfigManager) Close() error {
	m.cancel()
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// ValidateBrokerConfig checks invariants a running broker depends on.
func ValidateBrokerConfig(cfg *BrokerConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.CoreMask == 0 {
		return fmt.Errorf("core_mask must select at least one core")
	}
	if cfg.BookDepth <= 0 || cfg.BookDepth > 32 {
		return fmt.Errorf("book_depth must be in (0, 32]")
	}
	if len(cfg.Drivers) == 0 {
		return fmt.Errorf("at least one driver must be configured")
	}
	for name, d := range cfg.Drivers {
		if d.Endpoint == "" {
			return fmt.Errorf("driver %q: endpoint must not be empty", name)
		}
	}
	if cfg.Timers.SubscribeAck <= 0 || cfg.Timers.UnsubscribeAck <= 0 || cfg.Timers.BackoffMax <= 0 {
		return fmt.Errorf("all timers must be positive")
	}
	return nil
}

// LoadBrokerConfigFromFile loads a BrokerConfig without starting a
// watcher, for one-shot tools.
func LoadBrokerConfigFromFile(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BrokerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal broker config: %w", err)
	}
	return cfg, nil
}
