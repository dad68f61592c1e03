package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calbridge/internal/bridge"
	"calbridge/internal/channel"
	"calbridge/internal/config"
	"calbridge/internal/ics"
	appLog "calbridge/internal/log"
	"calbridge/internal/store"
	"calbridge/internal/store/memstore"
	"calbridge/internal/store/sqlstore"
	"calbridge/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	stdio      bool
	logLevel   string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	applyFlags(conf, flags)
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}
	if conf.Stdio {
		// stdout carries responses.
		appLog.SetOutput(os.Stderr)
	}

	appLog.Info("calbridge starting",
		"version", version,
		"listen", conf.Listen,
		"stdio", conf.Stdio,
		"driver", conf.Store.Driver,
		"subscriptions", len(conf.Subscriptions),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(ctx, conf, flags.configPath)
	if err != nil {
		appLog.Error("failed to open calendar store", err, "driver", conf.Store.Driver)
		os.Exit(1)
	}
	defer closeStore()

	if r, ok := st.(reloader); ok {
		stop, err := scheduleReload(ctx, conf.RefreshCron, r)
		if err != nil {
			appLog.Error("failed to schedule reload", err, "refresh", conf.RefreshCron)
			os.Exit(1)
		}
		defer stop()
	}

	router := bridge.NewRouter(st)
	if err := run(ctx, cancel, conf, router, os.Stdin, os.Stdout); err != nil {
		appLog.Error("calbridge stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("calbridge exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.stdio, "stdio", false, "Serve line-delimited JSON on stdin/stdout")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")

	flag.Parse()

	return cfg
}

func applyFlags(conf *config.Config, flags flagConfig) {
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.stdio {
		conf.Stdio = true
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
}

// openStore builds the configured driver. The returned func releases it.
func openStore(ctx context.Context, conf *config.Config, configPath string) (store.Store, func(), error) {
	noop := func() {}

	switch conf.Store.Driver {
	case config.DriverMemory:
		return memstore.New(
			memstore.WithDefaultCalendar(conf.Store.DefaultCalendar),
			memstore.WithPermission(memstore.Permission(conf.Store.Permission)),
		), noop, nil

	case config.DriverSQLite:
		path := conf.StorePath(configPath)
		db, err := sqlstore.OpenDB(path)
		if err != nil {
			return nil, noop, err
		}
		if err := sqlstore.InitDB(ctx, db); err != nil {
			db.Close()
			return nil, noop, err
		}
		appLog.Info("sqlite store ready", "path", path)
		return sqlstore.New(db, conf.Store.DefaultCalendar), func() { db.Close() }, nil

	case config.DriverICS:
		subs := make([]ics.Source, 0, len(conf.Subscriptions))
		for _, sc := range conf.Subscriptions {
			subs = append(subs, ics.Source{ID: sc.ID, Name: sc.Name, URL: sc.URL})
		}
		opts := ics.Options{
			Path:            conf.StorePath(configPath),
			DefaultCalendar: conf.Store.DefaultCalendar,
			Subscriptions:   subs,
		}
		if len(subs) > 0 {
			opts.Fetcher = ics.NewFetcher(conf.CachePath(configPath), &http.Client{Timeout: 30 * time.Second})
		}
		s, err := ics.Open(opts)
		if err != nil {
			return nil, noop, err
		}
		appLog.Info("ics store ready", "path", opts.Path)
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown store driver %q", conf.Store.Driver)
}

type reloader interface {
	Reload(ctx context.Context) error
}

// scheduleReload runs one reload immediately, then on schedule until ctx ends.
func scheduleReload(ctx context.Context, schedule string, r reloader) (func(), error) {
	reload := func() {
		if err := r.Reload(ctx); err != nil {
			appLog.Warn("calendar reload incomplete", "error", err.Error())
		}
	}
	reload()

	c := cron.New()
	if _, err := c.AddFunc(schedule, reload); err != nil {
		return nil, err
	}
	c.Start()
	appLog.Info("reload scheduled", "refresh", schedule)

	return func() {
		<-c.Stop().Done()
	}, nil
}

// run serves every enabled channel until ctx ends or one fails. When
// stdin reaches EOF in stdio-only mode the process exits.
func run(ctx context.Context, cancel context.CancelFunc, conf *config.Config, router *bridge.Router, in io.Reader, out io.Writer) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	if conf.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.NewServer(conf, router).ListenAndServe(ctx); err != nil {
				fail(fmt.Errorf("http: %w", err))
			}
		}()
	}

	if conf.Stdio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := channel.New(router, out).Serve(ctx, in)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				fail(fmt.Errorf("stdio: %w", err))
			case conf.Listen == "":
				cancel()
			}
		}()
	}

	if conf.Listen == "" && !conf.Stdio {
		return errors.New("no channel enabled: set listen or stdio")
	}

	<-ctx.Done()
	wg.Wait()
	return errors.Join(errs...)
}
