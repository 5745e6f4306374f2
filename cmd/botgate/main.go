package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"botgate/internal/api"
	"botgate/internal/app"
	"botgate/internal/config"
	"botgate/internal/core"
)

func main() {
	var (
		cfgPath     string
		envPath     string
		initCfg     bool
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./botgate.yaml", "path to config (.json, .yaml or .toml)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file loaded before the config")
	flag.BoolVar(&initCfg, "init", false, "write a default config if none exists, then exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("botgate", core.BuildVersion)
		return
	}
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: dotenv:", err)
	}
	if initCfg {
		if err := writeDefault(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	store := config.NewStore(cfgPath)
	if _, err := store.Load(); err != nil {
		return err
	}
	a, err := app.New(store)
	if err != nil {
		return err
	}
	a.SetManagementHandler(api.New(a, a.Logger()))

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	notify(daemon.SdNotifyReady)
	stopWatchdog := systemdWatchdog()
	defer stopWatchdog()

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				notify(daemon.SdNotifyReloading)
				if err := a.Reload(context.Background(), nil); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				notify(daemon.SdNotifyReady)
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
				break loop
			default:
				reason = app.StopSIGINT
				break loop
			}
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
				break loop
			}
			// The supervisor is swapped during a reload.
			select {
			case <-time.After(200 * time.Millisecond):
			case sig := <-sigs:
				sigs <- sig
			}
		}
	}

	notify(daemon.SdNotifyStopping)
	fatal := a.Err()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(store))
	defer cancel()
	stopErr := a.Stop(ctx, reason)
	return errors.Join(fatal, stopErr)
}

func shutdownTimeout(store *config.Store) time.Duration {
	d, err := config.ParseDuration("server.shutdown_timeout", store.Get().Server.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		return config.DefaultShutdownTimeout
	}
	// Accounts and hooks get their own bounds inside Stop; leave room for
	// them after the HTTP drain.
	return 2*d + 10*time.Second
}

func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// systemdWatchdog pings the service manager at half the configured
// WatchdogSec while the process runs. It is a no-op outside systemd.
func systemdWatchdog() func() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				notify(daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}

func writeDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 5700, Username: "admin"},
		Logging: config.LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Watchdog: config.WatchdogConfig{Enabled: true},
		Accounts: []config.AccountConfig{{
			Platform:  "loopback",
			AccountID: "demo",
			Protocols: []config.ProtocolConfig{{Name: "onebot", Version: "v11"}},
			Settings:  config.Settings{"echo": true},
		}},
	}
	cfg.ApplyDefaults()
	b, err := config.Encode(config.FormatOf(path), cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s; set server.password or %s before starting\n", path, config.EnvPassword)
	return nil
}
