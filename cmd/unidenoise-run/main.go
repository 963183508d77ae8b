// unidenoise-run executes one run described by a YAML file and prints the
// final record as JSON. Interrupting it cancels the run, which still
// finishes cleanly with its model weights restored.
//
// Usage: unidenoise-run [-db path] [-o latents.msgpack] run.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/unidenoise/internal/builtin"
	"github.com/seantiz/unidenoise/internal/config"
	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/engine"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "unidenoise-run: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("unidenoise-run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", ":memory:", "SQLite database for the run record and latents")
	out := fs.String("o", "", "write the final latents here as msgpack")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one run file is required")
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}
	cfg := config.Load()
	logger, logCloser := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	req, err := loadRunFile(fs.Arg(0))
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	regs := denoise.NewRegistries()
	if err := builtin.Register(regs); err != nil {
		return fmt.Errorf("register built-ins: %w", err)
	}
	eng := engine.NewEngine(db, regs, builtin.NewCatalog(), logger, engine.Options{
		DefaultTimeoutS: cfg.RunTimeoutS,
		MaxConcurrent:   1,
		DefaultSteps:    cfg.DefaultSteps,
		DefaultGuidance: cfg.DefaultGuidance,
	})

	rec, res, runErr := eng.Execute(ctx, req)
	if rec == nil {
		return runErr
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	if *out != "" && res != nil && res.Latents != nil {
		b, err := store.EncodeLatents(res.Latents)
		if err != nil {
			return fmt.Errorf("encode latents: %w", err)
		}
		if err := os.WriteFile(*out, b, 0o644); err != nil {
			return fmt.Errorf("write latents: %w", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if rec.Status != model.StatusCompleted {
		return fmt.Errorf("run %s finished %s", rec.ID, rec.Status)
	}
	return nil
}

// loadRunFile decodes a YAML run description. Unknown keys are rejected so
// typos in a run file fail loudly.
func loadRunFile(path string) (engine.RunRequest, error) {
	var req engine.RunRequest
	f, err := os.Open(path)
	if err != nil {
		return req, fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("parse run file %s: %w", path, err)
	}
	if req.Model == "" {
		return req, fmt.Errorf("run file %s: model is required", path)
	}
	return req, nil
}
