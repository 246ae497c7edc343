package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"civicsignal/internal/app"
	"civicsignal/internal/config"
	"civicsignal/internal/logging"
	"civicsignal/internal/usecase"
)

func main() {
	var (
		serve         = flag.Bool("serve", false, "run the API server and recurring scheduler")
		once          = flag.Bool("once", false, "run both pipelines a single time and exit")
		skipNews      = flag.Bool("skip-news", false, "skip the structured news source")
		skipSearch    = flag.Bool("skip-search", false, "skip search-based harvesting")
		skipDirectory = flag.Bool("skip-directory", false, "skip the directory scraper")
		maxItems      = flag.Int("max-items", 0, "cap items per category (0 = no cap)")
	)
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	opts := usecase.RunOptions{
		OnProgress:          func(msg string) { logger.Info(msg) },
		MaxItemsPerCategory: *maxItems,
		SkipNews:            *skipNews,
		SkipSearch:          *skipSearch,
		SkipDirectory:       *skipDirectory,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve && !*once {
		if err := application.Serve(ctx, opts); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := application.RunOnce(ctx, opts); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}
