package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkade-os/fedmint/internal/config"
	httpservice "github.com/arkade-os/fedmint/internal/interface/http"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Version will be set during build time
var Version string

func mainAction(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	svcConfig := httpservice.Config{
		Port:       cfg.Port,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		MaxWait:    cfg.MaxWait,
		NoMetrics:  cfg.NoMetrics,
		EnableCors: cfg.EnableCors,
	}

	svc, err := httpservice.NewService(Version, svcConfig, cfg)
	if err != nil {
		return err
	}

	log.Infof("fedmintd config: %s", cfg)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		return err
	}

	log.RegisterExitHandler(svc.Stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)

	select {
	case <-sigChan:
		log.Info("shutting down service...")
		log.Exit(0)
	case <-svc.Done():
		log.Error("service halted, shutting down...")
		log.Exit(1)
	}

	return nil
}

func main() {
	app := cli.NewApp()
	app.Version = Version
	app.Name = "fedmintd"
	app.Usage = "run a peer of a federated ecash mint"
	app.UsageText = "Run a fedmint peer with the client api and the peer endpoint"
	app.Flags = config.Flags
	app.Action = mainAction
	app.Commands = append(app.Commands, keygenCmd, infoCmd, healthCmd)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
