package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/coordinator"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional override; nil = load config.toml
	LogLevel   zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideChannel,
			provideMonitor,
			provideDirectory,
			providePusher,
			provideResolver,
			provideCoordinator,
			provideThreads,
			provideConversations,
			provideTyping,
			provideOnline,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.StorePath(p.Profile)
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChannel(cfg *config.Config, logger *zap.Logger) (remote.Channel, error) {
	if cfg.Remote.Addr == "" {
		logger.Warn("no remote address configured, using an in-process server")
		return remote.NewMemoryServer().Connect(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := remote.DialRedis(ctx, remote.RedisOptions{
		Addr:      cfg.Remote.Addr,
		Password:  cfg.Remote.Password,
		DB:        cfg.Remote.DB,
		KeyPrefix: cfg.Remote.KeyPrefix,
		Lease:     cfg.Remote.DisconnectLease.Duration,
		Logger:    logger.Named("remote"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("remote connected", zap.String("addr", cfg.Remote.Addr))
	return r, nil
}

// provideMonitor starts unreachable; the probe loop flips it on once the
// remote answers.
func provideMonitor(b *bus.Bus, logger *zap.Logger) *netstate.Monitor {
	return netstate.New(b, logger.Named("netstate"), netstate.Reachability{})
}

func provideDirectory(ch remote.Channel, cfg *config.Config) *identity.RemoteDirectory {
	return identity.NewRemoteDirectory(ch, cfg.UserID)
}

func providePusher(db *store.DB, ch remote.Channel, cfg *config.Config) *intsync.Pusher {
	return intsync.NewPusher(db, ch, cfg.UserID)
}

func provideResolver(db *store.DB, ch remote.Channel, dir *identity.RemoteDirectory, pusher *intsync.Pusher, logger *zap.Logger) *identity.Resolver {
	return identity.NewResolver(db, ch, dir, pusher, logger.Named("identity"))
}

func provideCoordinator(db *store.DB, pusher *intsync.Pusher, mon *netstate.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *coordinator.Coordinator {
	return coordinator.New(db, pusher, mon, b, logger.Named("coordinator"), coordinator.Options{
		MaxAttempts:      cfg.Sync.MaxAttempts,
		BackoffBase:      cfg.Sync.BackoffBase.Duration,
		Jitter:           cfg.Sync.Jitter,
		LowPowerCooldown: cfg.Sync.LowPowerCooldown.Duration,
		DrainInterval:    cfg.Sync.DrainInterval.Duration,
	})
}

func provideThreads(db *store.DB, ch remote.Channel, coord *coordinator.Coordinator, cfg *config.Config, logger *zap.Logger) *intsync.Threads {
	return intsync.NewThreads(db, ch, coord, cfg.UserID, logger.Named("threads"))
}

func provideConversations(db *store.DB, ch remote.Channel, dir *identity.RemoteDirectory, cfg *config.Config, logger *zap.Logger) *intsync.Conversations {
	return intsync.NewConversations(db, ch, dir, cfg.UserID, logger.Named("conversations"))
}

func provideTyping(ch remote.Channel, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Typing {
	return presence.NewTyping(ch, b, logger.Named("typing"), presence.Options{
		Throttle: cfg.Typing.Throttle.Duration,
		Expiry:   cfg.Typing.Expiry.Duration,
	})
}

func provideOnline(ch remote.Channel, cfg *config.Config, logger *zap.Logger) *presence.Online {
	return presence.NewOnline(ch, cfg.UserID, logger.Named("presence"))
}

func provideSessionService(p Params, cfg *config.Config, coord *coordinator.Coordinator, mon *netstate.Monitor, db *store.DB) *api.SessionService {
	return api.NewSessionService(p.Profile, cfg.UserID, coord, mon, db)
}

func provideSyncService(p Params, coord *coordinator.Coordinator, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(p.Profile, coord, b)
}

func provideChatService(cfg *config.Config, db *store.DB, resolver *identity.Resolver, convs *intsync.Conversations, typing *presence.Typing) *api.ChatService {
	return api.NewChatService(cfg.UserID, db, resolver, convs, typing)
}

func provideMessageService(db *store.DB, threads *intsync.Threads) *api.MessageService {
	return api.NewMessageService(db, threads)
}

type lifecycleParams struct {
	fx.In

	Config        *config.Config
	Server        *Server
	Lock          *lock.Lock
	DB            *store.DB
	Channel       remote.Channel
	Monitor       *netstate.Monitor
	Coordinator   *coordinator.Coordinator
	Threads       *intsync.Threads
	Conversations *intsync.Conversations
	Typing        *presence.Typing
	Online        *presence.Online
	Bus           *bus.Bus
	Logger        *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	// Background work runs until OnStop cancels it, not just for OnStart.
	ctx, cancel := context.WithCancel(context.Background())
	var follow <-chan struct{}
	probeDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			signedIn := d.Config.UserID != ""
			if !signedIn {
				d.Logger.Warn("no user signed in, remote replication disabled")
			}

			if signedIn {
				if err := d.Conversations.Start(ctx); err != nil {
					return err
				}
				var err error
				if follow, err = followThreads(ctx, d.DB, d.Bus, d.Threads, d.Logger); err != nil {
					return err
				}
			}

			if err := d.Coordinator.Start(ctx); err != nil {
				return err
			}

			interval := d.Config.Sync.ProbeInterval.Duration
			if interval <= 0 {
				interval = 5 * time.Second
			}
			go func() {
				defer close(probeDone)
				d.Monitor.Probe(ctx, d.Channel, interval, interval)
			}()

			if signedIn {
				if err := d.Online.GoOnline(startCtx); err != nil {
					d.Logger.Warn("publish online presence", zap.Error(err))
				}
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("API server error", zap.Error(err))
				}
			}()

			d.Logger.Info("daemon started", zap.String("user", d.Config.UserID))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Server.Stop(stopCtx)

			if d.Config.UserID != "" {
				d.Typing.Close(stopCtx)
				if err := d.Online.GoOffline(stopCtx); err != nil {
					d.Logger.Debug("clear online presence", zap.Error(err))
				}
			}

			cancel()
			<-probeDone
			if follow != nil {
				<-follow
			}
			d.Threads.StopAll()
			d.Conversations.Stop()
			d.Coordinator.Stop()

			if err := d.Channel.Close(); err != nil {
				d.Logger.Warn("error closing remote channel", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
