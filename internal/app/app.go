package app

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crewboard/internal/broker"
	"crewboard/internal/config"
	"crewboard/internal/db"
	"crewboard/internal/engine"
	"crewboard/internal/migrate"
)

// App bundles the opened workspace: database, config, logger, broadcast
// hub, and the engine wired on top of them.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Logger    *log.Logger
	Hub       *broker.Hub
	Publisher broker.Publisher
	Engine    engine.Engine

	redisClient  *redis.Client
	bridgeCancel context.CancelFunc
}

// Open prepares the workspace: opens and migrates the database, loads
// crewboard.yml (or defaults), and builds the hub. When redis.addr is
// configured, events also fan out across instances through a pub/sub
// bridge.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	hub := broker.NewHub(logger)
	var pub broker.Publisher = hub
	a := &App{
		DB:     conn,
		Config: cfg,
		Logger: logger,
		Hub:    hub,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		bridge := broker.NewBridge(hub, client, cfg.Redis.Channel, logger)
		bridgeCtx, cancel := context.WithCancel(ctx)
		go bridge.Run(bridgeCtx)
		pub = bridge
		a.redisClient = client
		a.bridgeCancel = cancel
	}
	a.Publisher = pub
	a.Engine = engine.New(conn, pub, logger)
	return a, nil
}

// Close releases the database and the redis bridge, if any.
func (a *App) Close() error {
	if a.bridgeCancel != nil {
		a.bridgeCancel()
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	return a.DB.Close()
}

func newLogger(level string) *log.Logger {
	logger := log.New()
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
