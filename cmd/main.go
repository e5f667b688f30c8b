package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/yungbote/askpdf-backend/internal/app"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "askpdf",
		Usage: "PDF question answering backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-mode",
				Usage:   "development or production",
				Value:   "development",
				EnvVars: []string{"LOG_MODE"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Migrate, start the ingestion workers and serve HTTP",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrate,
			},
			{
				Name:   "resume",
				Usage:  "Re-attach to documents left in processing and wait for them",
				Action: resume,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "askpdf: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*logger.Logger, error) {
	log, err := logger.New(c.String("log-mode"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

func serve(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log)
	if err != nil {
		log.Error("Failed to initialize app", "error", err)
		return err
	}
	return a.Serve(ctx)
}

func migrate(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()
	return app.Migrate(log)
}

func resume(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log)
	if err != nil {
		return err
	}
	n, runErr := a.ResumeOnce(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("Shutdown after resume failed", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	log.Info("Resume finished", "documents", n)
	return nil
}
