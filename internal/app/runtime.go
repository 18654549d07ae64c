package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"allo/internal/config"
	"allo/internal/db"
	"allo/internal/engine"
	"allo/internal/logging"
	"allo/internal/migrate"
)

// SecretEnv overrides auth.jwt_secret from the environment.
const SecretEnv = "ALLO_JWT_SECRET"

// Options selects the workspace and config for one invocation.
type Options struct {
	Workspace  string
	// ConfigPath points at an explicit allo.yml. Empty means the workspace's.
	ConfigPath string
	LogOutput  io.Writer
}

// Runtime bundles what a command or the server needs: an open, migrated
// database and an engine wired from config.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Log    *logrus.Logger
	Engine engine.Engine
}

// LoadConfig resolves the effective config: explicit file, then workspace
// allo.yml, then defaults, with the secret taken from the environment when set.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(os.Getenv(SecretEnv)); s != "" {
		cfg.Auth.JWTSecret = s
	}
	return cfg, nil
}

// Open loads config, opens and migrates the workspace database and builds the
// engine. Callers must Close the runtime.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg, opts.LogOutput)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = ephemeralSecret()
		log.Warnf("no jwt secret configured; tokens will not survive a restart (set %s)", SecretEnv)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Runtime{
		DB:     conn,
		Config: cfg,
		Log:    log,
		Engine: engine.New(conn, cfg, log),
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

func ephemeralSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
