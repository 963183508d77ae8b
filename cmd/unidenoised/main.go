package main

import (
	"fmt"
	"log"
	"os"

	"github.com/seantiz/unidenoise/internal/api"
	"github.com/seantiz/unidenoise/internal/builtin"
	"github.com/seantiz/unidenoise/internal/config"
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/engine"
	"github.com/seantiz/unidenoise/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	cfg := config.Load()
	logger, logCloser := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	logger.Info("unidenoised: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_concurrent", cfg.MaxConcurrent,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := builtin.Register(denoise.Default); err != nil {
		log.Fatalf("failed to register built-ins: %v", err)
	}
	logger.Info("registries ready",
		"cores", denoise.Default.Cores.Tags(),
		"extensions", denoise.Default.Extensions.Tags(),
	)

	eng := engine.NewEngine(db, denoise.Default, builtin.NewCatalog(), logger, engine.Options{
		DefaultTimeoutS: cfg.RunTimeoutS,
		MaxConcurrent:   cfg.MaxConcurrent,
		DefaultSteps:    cfg.DefaultSteps,
		DefaultGuidance: cfg.DefaultGuidance,
	})

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	runErr := srv.Run()

	if n := eng.CancelAll(); n > 0 {
		logger.Info("canceling in-flight runs", "count", n)
	}
	eng.Wait()

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
