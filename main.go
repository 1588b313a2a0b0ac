package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/certcentral/certcentral/core"
	"github.com/certcentral/certcentral/database"
	"github.com/certcentral/certcentral/log"
)

const (
	exitOK       = 0
	exitConfig   = 64
	exitStore    = 69
	exitInternal = 70
)

var config_path = flag.String("c", "", "Configuration file path")
var state_dir = flag.String("state_dir", "", "Override the store base path")
var daemon_mode = flag.Bool("daemon", false, "Run without the interactive console")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var version_flag = flag.Bool("v", false, "Show version")

// App bundles everything a running daemon owns.
type App struct {
	cfg    *core.Config
	db     *database.Database
	store  *core.Store
	engine *core.Engine
	srv    *core.HttpServer
	term   *core.Terminal
}

// Start loads the configuration and brings the engine, the HTTP surfaces
// and (unless daemon) the console up.
func Start(configPath, stateDir string, daemon bool) (*App, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.Store.BasePath = stateDir
	}
	log.Info("loaded configuration from: %s", configPath)

	store, err := core.NewStore(cfg.Store.BasePath, cfg.Store.ArchiveKeep)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(filepath.Join(cfg.Store.BasePath, "certcentral.db"))
	if err != nil {
		return nil, &core.StoreIOError{Op: "open database", Path: cfg.Store.BasePath, Err: err}
	}

	engine, err := core.NewEngine(cfg, store, db, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	challengesDir := ""
	if cfg.Challenges.HTTP01 != nil {
		challengesDir = cfg.Challenges.HTTP01.ChallengesDir
	}
	srv := core.NewHttpServer(engine, cfg.HTTP.ChallengeBind, cfg.HTTP.ControlBind, challengesDir)

	app := &App{cfg: cfg, db: db, store: store, engine: engine, srv: srv}
	if err := engine.Start(); err != nil {
		app.Shutdown()
		return nil, err
	}
	if err := srv.Start(); err != nil {
		app.Shutdown()
		return nil, err
	}

	if !daemon {
		term, err := core.NewTerminal(engine, db)
		if err != nil {
			app.Shutdown()
			return nil, err
		}
		app.term = term
	}
	return app, nil
}

func (a *App) Shutdown() {
	if a.term != nil {
		a.term.Close()
	}
	if a.srv != nil {
		a.srv.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Terminal exposes the console, mainly for tests.
func (a *App) Terminal() *core.Terminal {
	return a.term
}

// watchSignals reloads on SIGHUP and stops on SIGINT/SIGTERM. Returns
// when a termination signal arrives.
func (a *App) watchSignals(configPath string) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			log.Info("SIGHUP received, reloading configuration")
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				log.Error("reload: %v", err)
				continue
			}
			if *state_dir != "" {
				cfg.Store.BasePath = *state_dir
			}
			if err := a.engine.Reload(cfg); err != nil {
				log.Error("reload: %v", err)
			}
			continue
		}
		log.Info("%s received, shutting down", sig)
		return
	}
}

func exitCodeFor(err error) int {
	var ce *core.ConfigError
	if errors.As(err, &ce) {
		return exitConfig
	}
	var se *core.StoreIOError
	if errors.As(err, &se) {
		return exitStore
	}
	return exitInternal
}

func main() {
	flag.Parse()

	if *version_flag {
		log.Info("version: %s", core.VERSION)
		return
	}

	core.Banner()

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	if *config_path == "" {
		*config_path = os.Getenv("CERTCENTRAL_CONFIG")
	}
	if *config_path == "" {
		log.Fatal("no configuration file: pass -c <path> or set CERTCENTRAL_CONFIG")
		os.Exit(exitConfig)
	}
	if *state_dir == "" {
		*state_dir = os.Getenv("CERTCENTRAL_STATE_DIR")
	}

	app, err := Start(*config_path, *state_dir, *daemon_mode)
	if err != nil {
		log.Fatal("%v", err)
		os.Exit(exitCodeFor(err))
	}

	if *daemon_mode {
		app.watchSignals(*config_path)
	} else {
		go func() {
			app.watchSignals(*config_path)
			app.term.Close()
		}()
		app.term.DoWork()
	}

	app.Shutdown()
	os.Exit(exitOK)
}
