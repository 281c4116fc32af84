package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/pixiv/neoagent/pkg/api"
	"github.com/pixiv/neoagent/pkg/config"
	"github.com/pixiv/neoagent/pkg/env"
	"github.com/pixiv/neoagent/pkg/logger"
	"github.com/pixiv/neoagent/pkg/proxy"
)

func main() {
	confPath := flag.String("conf", "", "path to configuration file (JSON)")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	logger.Init(env.LogLevel())

	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "err", err)
	}
	logger.Init(cfg.LogLevel)

	logger.Info("Starting neoagent", "environments", len(cfg.Environments))

	fs := afero.NewOsFs()

	var (
		g        errgroup.Group
		envs     []*proxy.Env
		servers  []*proxy.Server
		statSrvs []*api.Server
		checkers []*proxy.HealthChecker
	)

	for _, ec := range cfg.Environments {
		e, err := proxy.NewEnv(ec, fs)
		if err != nil {
			logger.Fatal("Failed to initialize environment", "name", ec.Name, "err", err)
		}

		srv := proxy.NewServer(e, ec)
		if err := srv.Listen(); err != nil {
			logger.Fatal("Failed to open front listener", "name", ec.Name, "err", err)
		}
		logger.Info("Proxy listening", "name", ec.Name, "addr", srv.Addr(), "target", ec.TargetServer, "backup", ec.BackupServer)

		hc := proxy.NewHealthChecker(e)
		stat := api.NewServer(e, ec)

		envs = append(envs, e)
		servers = append(servers, srv)
		statSrvs = append(statSrvs, stat)
		checkers = append(checkers, hc)

		g.Go(srv.Serve)
		g.Go(func() error {
			hc.Run()
			return nil
		})
		g.Go(stat.ListenAndServe)
	}

	go handleSignals(envs, servers, statSrvs, checkers)

	if err := g.Wait(); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
	logger.Info("neoagent stopped")
}

// handleSignals drives graceful shutdown: the first SIGTERM/SIGINT stops
// admissions and waits for in-flight sessions, the second exits at once.
func handleSignals(envs []*proxy.Env, servers []*proxy.Server, statSrvs []*api.Server, checkers []*proxy.HealthChecker) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	<-sigCh
	logger.Info("Shutdown requested, draining connections")
	for _, e := range envs {
		e.EnableGraceful()
	}

	done := make(chan struct{})
	go func() {
		for _, e := range envs {
			<-e.GracefulDone()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All connections drained")
	case <-sigCh:
		logger.Warn("Forced shutdown")
	}

	for _, hc := range checkers {
		hc.Stop()
	}
	for _, s := range servers {
		s.Close()
	}
	for _, s := range statSrvs {
		s.Close()
	}
	os.Exit(0)
}
