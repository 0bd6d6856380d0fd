package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/gateway"
	"github.com/chatgate/chatgate/internal/invoker"
	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/pidfile"
	"github.com/chatgate/chatgate/internal/queue"
	"github.com/chatgate/chatgate/internal/store"
)

const version = "0.3.1"

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		addr       = flag.String("addr", "", "listen address override (host:port)")
		debug      = flag.Bool("debug", false, "enable debug logging to stderr")
		createUser = flag.String("create-user", "", "create a user (user:password) and exit")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("chatgate %s\n", version)
		return
	}

	if err := run(*configPath, *addr, *debug, *createUser); err != nil {
		fmt.Fprintf(os.Stderr, "chatgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, debug bool, createUser string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if addr != "" {
		if err := applyAddrOverride(cfg, addr); err != nil {
			return err
		}
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.LevelDebug
	}
	if err := logger.Init(level, cfg.Log.Path, debug || cfg.Log.Console); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if cfg.Server.PIDFile != "" {
		lock := pidfile.New(cfg.Server.PIDFile)
		if err := lock.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("failed to release pidfile: %v", err)
			}
		}()
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if createUser != "" {
		return createUserAndExit(st, createUser)
	}

	inv := invoker.New(cfg.Backend.Command, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)

	server := gateway.NewServer(cfg, st)
	dispatcher := queue.New(inv, st, server.DeliverResult, cfg.Queue.MaxDepth)
	server.SetDispatcher(dispatcher)

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(fresh *config.Config) {
			logger.SetGlobalLevel(logger.ParseLevel(fresh.Log.Level))
			inv.SetTimeout(time.Duration(fresh.Backend.TimeoutSeconds) * time.Second)
		})
		if err != nil {
			logger.Warn("config watching disabled: %v", err)
		}
	}

	pruneStop := startSessionPruner(st)

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("chatgate %s started on %s", version, cfg.Server.Addr())

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received %s, shutting down", sig)

	close(pruneStop)
	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := server.Stop(); err != nil {
		logger.Error("error stopping gateway: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dispatcher.Shutdown(shutdownCtx)

	logger.Info("chatgate stopped")
	return nil
}

// applyAddrOverride splits host:port and writes it into the config
func applyAddrOverride(cfg *config.Config, addr string) error {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return fmt.Errorf("invalid -addr %q, expected host:port", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("invalid port in -addr %q", addr)
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return cfg.Validate()
}

// createUserAndExit handles the -create-user flag
func createUserAndExit(st *store.Store, spec string) error {
	username, password, found := strings.Cut(spec, ":")
	if !found || username == "" || password == "" {
		return fmt.Errorf("invalid -create-user value, expected user:password")
	}

	user, err := st.CreateUser(username, password)
	if err != nil {
		return err
	}

	fmt.Printf("created user %s (id %s)\n", user.Username, user.ID)
	return nil
}

// startSessionPruner removes expired sessions hourly until the returned
// channel is closed.
func startSessionPruner(st *store.Store) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := st.PruneExpiredSessions(); err != nil {
					logger.Warn("session pruning failed: %v", err)
				} else if n > 0 {
					logger.Info("pruned %d expired sessions", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
