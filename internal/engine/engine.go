package engine

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"allo/internal/config"
	"allo/internal/engine/auth"
	"allo/internal/events"
	"allo/internal/logging"
	"allo/internal/repo"
)

// Engine holds the claim engine, the task lifecycle manager and the
// operator-facing views over one database.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *logrus.Logger
	Tokens auth.Tokens
	Hooks  []PublishHook
	Now    func() time.Time
}

// New wires an engine from config. The reservation policy is installed as a
// publish hook when enabled.
func New(db *sql.DB, cfg *config.Config, log *logrus.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.Discard()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Log: log},
		Config: cfg,
		Log:    log,
		Tokens: auth.Tokens{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL, Issuer: "allo"},
		Now:    time.Now,
	}
	if cfg.Reservation.Enabled {
		e.Hooks = append(e.Hooks, NewReservationPolicy(r, cfg.Reservation, log))
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) maxActiveClaims() int {
	if e.Config != nil && e.Config.Claims.MaxActive > 0 {
		return e.Config.Claims.MaxActive
	}
	return 4
}

func (e Engine) logger() *logrus.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

// Actor is an authenticated operator.
type Actor struct {
	UserID    int64
	BdeListID int64
}

func (a Actor) String() string {
	return "user:" + itoa(a.UserID)
}
