package app

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/viper"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter/googledrive"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter/memory"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/auth"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/config"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/discovery"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/edition"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/handler"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/secret"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

const devJWTSecret = "default-dev-secret"

// Office formats missing from the platform mime tables.
var officeTypes = map[string]string{
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".odg":  "application/vnd.oasis.opendocument.graphics",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
}

func init() {
	for ext, typ := range officeTypes {
		_ = mime.AddExtensionType(ext, typ)
	}
}

// App holds the dependencies for the Lambda function.
type App struct {
	config *config.Holder
	logger *logging.Logger

	wopiHandler    *handler.WopiHandler
	editHandler    *handler.EditHandler
	sessionHandler *handler.SessionHandler

	tokens       *auth.Tokens
	users        *host.Directory
	store        *memory.MemoryAdapter
	originSecret string
	stop         context.CancelFunc

	dispatcher *edition.WopiDispatcher
	setLockTTL func(time.Duration)
}

// NewApp initializes the application dependencies from v. Background work
// (lock reaping, config watching) runs until Close.
func NewApp(ctx context.Context, v *viper.Viper) (*App, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	holder := config.NewHolder(cfg)
	logger := logging.New(os.Stderr, cfg.Logging.Level)

	// AWS clients are only built when a component needs them.
	awsConfig := sync.OnceValues(func() (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	dynamoClient := func() (*dynamodb.Client, error) {
		c, err := awsConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		return dynamodb.NewFromConfig(c), nil
	}

	// ---------- Secret Resolver ----------
	var secrets secret.Resolver
	if cfg.DevMode {
		secrets = secret.NewEnvResolver()
		logger.Info("using EnvResolver", "dev_mode", true)
	} else {
		c, err := awsConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		secrets = secret.NewSSMResolver(ssm.NewFromConfig(c))
	}
	secrets = secret.Cached(secrets)

	params := secret.HostParams{JWT: cfg.Auth.JWTSecretParam, Origin: cfg.Auth.OriginSecretParam}
	if cfg.DevMode {
		params.DevJWT = devJWTSecret
	}
	hostSecrets, err := secret.LoadHostSecrets(ctx, secrets, params)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve JWT secret: %w", err)
	}
	if hostSecrets.JWTFallback {
		logger.Warn("JWT secret not set, using the development secret", "param", params.JWT)
	}
	if hostSecrets.Origin == "" && !cfg.DevMode {
		logger.Warn("origin secret not set, origin verification disabled", "param", params.Origin)
	}
	tokens := auth.NewTokens(hostSecrets.JWT, cfg.Auth.TokenTTL)

	// ---------- Storage ----------
	var (
		storage adapter.StorageProvider
		store   *memory.MemoryAdapter
	)
	switch cfg.Storage.Backend {
	case "memory":
		p := memory.NewProvider(nil, cfg.Storage.Table, "")
		storage, store = p, p.Store()
	case "dynamodb":
		client, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		p := memory.NewProvider(client, cfg.Storage.Table, "")
		storage, store = p, p.Store()
	case "drive":
		var demo *memory.Provider
		if cfg.DevMode {
			demo = memory.NewProvider(nil, cfg.Storage.Table, cfg.Storage.DemoPrefix)
		} else {
			client, err := dynamoClient()
			if err != nil {
				return nil, err
			}
			demo = memory.NewProvider(client, cfg.Storage.Table, cfg.Storage.DemoPrefix)
		}
		storage = &adapter.PrefixProvider{
			Prefix:   cfg.Storage.DemoPrefix,
			Prefixed: demo,
			Default:  googledrive.NewProvider(cfg.Storage.DriveFolderID),
		}
		store = demo.Store()
	}
	logger.Info("storage ready", "backend", cfg.Storage.Backend)

	// ---------- Locks ----------
	bgCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	var locks session.Registry
	var setLockTTL func(time.Duration)
	switch cfg.Wopi.Lock.Store {
	case "dynamodb":
		client, err := dynamoClient()
		if err != nil {
			stop()
			return nil, err
		}
		registry := session.NewDynamoRegistry(client, cfg.Wopi.Lock.Table, cfg.Wopi.Lock.TTL)
		locks, setLockTTL = registry, registry.SetTTL
	default:
		registry := session.NewMemoryRegistry(cfg.Wopi.Lock.TTL)
		lockLogger := logger.WithComponent("locks")
		registry.StartReaper(bgCtx, cfg.Wopi.Lock.ReapInterval, func(removed int) {
			lockLogger.Debug("expired locks reaped", "count", removed)
		})
		locks, setLockTTL = registry, registry.SetTTL
	}

	// ---------- Host ----------
	users := host.NewDirectory()
	for _, u := range cfg.Users {
		users.AddUser(model.User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}, u.Editor)
		for _, fileID := range u.Files {
			users.Grant(fileID, u.ID)
		}
		if u.Admin {
			users.GrantAdmin(u.ID)
		}
	}
	sessions := host.NewSessionTracker()
	hostLogger := logger.WithComponent("host")
	sessions.OnRevoke = func(ctx context.Context, fileID string) {
		hostLogger.WithFile(fileID).Info("editing session revoked")
	}
	allowList := host.NewAllowList()

	// ---------- Discovery & Edition ----------
	wopiSettings := func() config.WopiConfig { return holder.Get().Wopi }
	cache := discovery.NewCache(func() discovery.Settings {
		w := wopiSettings()
		return discovery.Settings{
			Enabled: w.Enabled,
			URL:     w.DiscoveryURL,
			TTL:     w.DiscoveryTTL(),
			Timeout: w.DiscoveryTimeout,
		}
	}, allowList, sessions, discovery.WithLogger(logger))

	resolver := edition.NewResolver(cache, func() string { return wopiSettings().AdministrationURL })
	dispatcher, err := edition.NewWopiDispatcher(cfg.Wopi.HostServiceBaseURL)
	if err != nil {
		stop()
		return nil, fmt.Errorf("invalid wopi.host_service_base_url: %w", err)
	}
	launcher := edition.NewLauncher(resolver, tokens, dispatcher)

	app := &App{
		config:         holder,
		logger:         logger,
		wopiHandler:    handler.NewWopiHandler(storage, locks, users, sessions, tokens, wopiSettings, logger),
		editHandler:    handler.NewEditHandler(storage, users, launcher, allowList, tokens, logger),
		sessionHandler: handler.NewSessionHandler(locks, sessions, users, cache, resolver.AdministrationURL, tokens, logger),
		tokens:         tokens,
		users:          users,
		store:          store,
		originSecret:   hostSecrets.Origin,
		stop:           stop,
		dispatcher:     dispatcher,
		setLockTTL:     setLockTTL,
	}
	holder.OnChange(app.reload)
	if v.ConfigFileUsed() != "" {
		config.Watch(v, holder, func(err error) {
			logger.Error("config reload failed", "error", err)
		})
	}
	return app, nil
}

// reload applies the settings captured at startup from a reloaded config.
// Locks already granted keep their expiry.
func (app *App) reload(cfg *config.Config) {
	app.setLockTTL(cfg.Wopi.Lock.TTL)
	if err := app.dispatcher.SetHostServiceBaseURL(cfg.Wopi.HostServiceBaseURL); err != nil {
		app.logger.Error("host service base url not reloaded", "error", err)
	}
	app.logger.Info("configuration reloaded")
}

// Close stops background work.
func (app *App) Close() {
	app.stop()
}

// Logger returns the application logger.
func (app *App) Logger() *logging.Logger {
	return app.logger
}

// Config returns the current configuration.
func (app *App) Config() *config.Config {
	return app.config.Get()
}

// IssueSessionToken signs a host session token for a configured user.
func (app *App) IssueSessionToken(ctx context.Context, userID string) (string, error) {
	if _, err := app.users.GetUser(ctx, userID); err != nil {
		return "", err
	}
	return app.tokens.IssueSessionToken(userID)
}

// ErrNoSeedStore is returned by Seed when no memory store is configured.
var ErrNoSeedStore = errors.New("no memory store to seed")

// Seed stores a local file in the memory store owned by ownerID.
func (app *App) Seed(ctx context.Context, path, ownerID string) (*adapter.FileMetadata, error) {
	if app.store == nil {
		return nil, ErrNoSeedStore
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return app.store.CreateFile(ctx, name, mimeType, ownerID, content)
}
