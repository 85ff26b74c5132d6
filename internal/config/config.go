package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WOPI_WOPI_DISCOVERY_URL
// for wopi.discovery_url or WOPI_DEV_MODE for dev_mode.
const EnvPrefix = "WOPI"

// Config represents the complete WOPI host configuration
type Config struct {
	DevMode     bool          `mapstructure:"dev_mode"`
	FrontendURL string        `mapstructure:"frontend_url"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Server      ServerConfig  `mapstructure:"server"`
	Wopi        WopiConfig    `mapstructure:"wopi"`
	Storage     StorageConfig `mapstructure:"storage"`
	Auth        AuthConfig    `mapstructure:"auth"`
	Users       []UserConfig  `mapstructure:"users"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig controls the local HTTP entry point
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// WopiConfig holds the protocol engine settings
type WopiConfig struct {
	// Enabled switches the whole web browser edition feature
	Enabled bool `mapstructure:"enabled"`
	// DiscoveryURL is the editor manifest location
	DiscoveryURL string `mapstructure:"discovery_url"`
	// DiscoveryTTLHours is how long a fetched manifest is trusted
	DiscoveryTTLHours int `mapstructure:"discovery_ttl_hours"`
	// DiscoveryTimeout bounds each manifest fetch
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	// HostServiceBaseURL is the public base of the /wopi/files endpoint, used as WOPISrc
	HostServiceBaseURL string `mapstructure:"host_service_base_url"`
	// AdministrationURL is the optional editor administration console
	AdministrationURL string `mapstructure:"administration_url"`
	// PostMessageOrigin is the host origin the editor posts messages to
	PostMessageOrigin string `mapstructure:"post_message_origin"`
	// UserIDPrefix is prepended to owner ids in CheckFileInfo
	UserIDPrefix string `mapstructure:"user_id_prefix"`
	// TimestampHeader carries the client's expected last-modified time on PutFile
	TimestampHeader string `mapstructure:"timestamp_header"`
	// TimestampConflictBody is merged into the 409 body of a timestamp conflict
	TimestampConflictBody string `mapstructure:"timestamp_conflict_body"`
	// ExitSaveHeader flags the last save of an editing session
	ExitSaveHeader string     `mapstructure:"exit_save_header"`
	Lock           LockConfig `mapstructure:"lock"`
}

// LockConfig controls the WOPI lock registry
type LockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	// Store is "memory" or "dynamodb"
	Store        string        `mapstructure:"store"`
	Table        string        `mapstructure:"table"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// StorageConfig selects the file storage collaborator
type StorageConfig struct {
	// Backend is "memory", "dynamodb" or "drive"
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
	// DemoPrefix routes file ids with this prefix to the memory store when Backend is "drive"
	DemoPrefix string `mapstructure:"demo_prefix"`
	// DriveFolderID is where new Drive files are created; empty means the drive root
	DriveFolderID string `mapstructure:"drive_folder_id"`
}

// AuthConfig controls access token issuance
type AuthConfig struct {
	JWTSecretParam string        `mapstructure:"jwt_secret_param"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	// OriginSecretParam names the shared secret the CDN sends in X-Origin-Verify
	OriginSecretParam string `mapstructure:"origin_secret_param"`
}

// UserConfig declares a host user of the built-in directory
type UserConfig struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	AvatarURL   string `mapstructure:"avatar_url"`
	// Editor users may modify every file
	Editor bool `mapstructure:"editor"`
	// Admin users may inspect and revoke locks and control the discovery cache
	Admin bool     `mapstructure:"admin"`
	Files []string `mapstructure:"files"`
}

// DiscoveryTTL returns the manifest time to live.
func (c WopiConfig) DiscoveryTTL() time.Duration {
	return time.Duration(c.DiscoveryTTLHours) * time.Hour
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		FrontendURL: "http://localhost:3000",
		Logging:     LoggingConfig{Level: "info"},
		Server:      ServerConfig{Addr: ":8080"},
		Wopi: WopiConfig{
			Enabled:               false,
			DiscoveryTTLHours:     24,
			DiscoveryTimeout:      2 * time.Second,
			HostServiceBaseURL:    "http://localhost:8080/wopi/files",
			PostMessageOrigin:     "http://localhost:8080",
			UserIDPrefix:          "wbe-",
			TimestampHeader:       "X-COOL-WOPI-Timestamp",
			TimestampConflictBody: `{"COOLStatusCode":1010}`,
			ExitSaveHeader:        "X-COOL-WOPI-IsExitSave",
			Lock: LockConfig{
				Enabled:      true,
				TTL:          30 * time.Minute,
				Store:        "memory",
				Table:        "WopiLocks",
				ReapInterval: 5 * time.Minute,
			},
		},
		Storage: StorageConfig{
			Backend:    "memory",
			Table:      "FileStore",
			DemoPrefix: "demo-",
		},
		Auth: AuthConfig{
			JWTSecretParam:    "/wopi/jwt-secret",
			TokenTTL:          10 * time.Hour,
			OriginSecretParam: "/wopi/origin-secret",
		},
	}
}

// SetDefaults registers every default value on v so that env overrides are
// picked up for all keys.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("dev_mode", d.DevMode)
	v.SetDefault("frontend_url", d.FrontendURL)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("wopi.enabled", d.Wopi.Enabled)
	v.SetDefault("wopi.discovery_url", d.Wopi.DiscoveryURL)
	v.SetDefault("wopi.discovery_ttl_hours", d.Wopi.DiscoveryTTLHours)
	v.SetDefault("wopi.discovery_timeout", d.Wopi.DiscoveryTimeout)
	v.SetDefault("wopi.host_service_base_url", d.Wopi.HostServiceBaseURL)
	v.SetDefault("wopi.administration_url", d.Wopi.AdministrationURL)
	v.SetDefault("wopi.post_message_origin", d.Wopi.PostMessageOrigin)
	v.SetDefault("wopi.user_id_prefix", d.Wopi.UserIDPrefix)
	v.SetDefault("wopi.timestamp_header", d.Wopi.TimestampHeader)
	v.SetDefault("wopi.timestamp_conflict_body", d.Wopi.TimestampConflictBody)
	v.SetDefault("wopi.exit_save_header", d.Wopi.ExitSaveHeader)
	v.SetDefault("wopi.lock.enabled", d.Wopi.Lock.Enabled)
	v.SetDefault("wopi.lock.ttl", d.Wopi.Lock.TTL)
	v.SetDefault("wopi.lock.store", d.Wopi.Lock.Store)
	v.SetDefault("wopi.lock.table", d.Wopi.Lock.Table)
	v.SetDefault("wopi.lock.reap_interval", d.Wopi.Lock.ReapInterval)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.table", d.Storage.Table)
	v.SetDefault("storage.demo_prefix", d.Storage.DemoPrefix)
	v.SetDefault("storage.drive_folder_id", d.Storage.DriveFolderID)

	v.SetDefault("auth.jwt_secret_param", d.Auth.JWTSecretParam)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.origin_secret_param", d.Auth.OriginSecretParam)
}

// New returns a viper instance with defaults, env overrides and, when
// configFile is not empty, the given file as source.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Holder publishes the current Config to concurrent readers.
type Holder struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewHolder returns a Holder initialized with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Set replaces the current configuration and notifies the listeners.
func (h *Holder) Set(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Store(cfg)
	for _, fn := range h.listeners {
		fn(cfg)
	}
}

// OnChange registers fn to run on every Set, for settings that components
// copy at construction. Listeners run in registration order and must not
// call Set.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Watch reloads the configuration file on change and publishes it to h.
// Invalid revisions are reported to onError and the previous config is kept.
func Watch(v *viper.Viper, h *Holder, onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("failed to decode config %s: %w", e.Name, err))
			return
		}
		if errs := cfg.Validate(); len(errs) > 0 {
			onError(fmt.Errorf("ignoring invalid config %s: %w", e.Name, errs))
			return
		}
		h.Set(&cfg)
	})
	v.WatchConfig()
}
