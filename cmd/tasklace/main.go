// Command tasklace validates and runs workflow JSON documents, and serves
// the engine over MCP stdio.
//
// Usage:
//
//	tasklace run <workflow.json>       # run a document, print the result
//	tasklace validate <workflow.json>  # validate a document
//	tasklace serve                     # MCP stdio server
//	tasklace history                   # recent runs from the history db
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasklace/tasklace/internal/engine"
	"github.com/tasklace/tasklace/internal/history"
	"github.com/tasklace/tasklace/internal/logging"
	"github.com/tasklace/tasklace/internal/strategy"
	"github.com/tasklace/tasklace/internal/validation"
	"github.com/tasklace/tasklace/pkg/mcp"
	"github.com/tasklace/tasklace/pkg/schema"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version":
		fmt.Println("tasklace " + version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `tasklace - workflow orchestration engine

commands:
  run <workflow.json>       run a workflow document and print the result
  validate <workflow.json>  validate a workflow document
  serve                     serve the engine over MCP stdio
  history                   list recent runs from the history database
  version                   print the version`)
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputJSON := fs.String("input", "", "initial input as a JSON object")
	concurrent := fs.Bool("concurrent", false, "dispatch parallel-flagged tasks concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one workflow document path")
	}

	wf, err := loadDocument(fs.Arg(0))
	if err != nil {
		return err
	}

	var input map[string]any
	if *inputJSON != "" {
		if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
			return fmt.Errorf("parse -input: %w", err)
		}
	}

	cfg := loadConfig()
	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result *engine.RunResult
	if *concurrent {
		result, err = eng.RunConcurrent(ctx, wf, input)
	} else {
		result, err = eng.Run(ctx, wf, input)
	}
	if err != nil {
		return err
	}

	if err := printJSON(result); err != nil {
		return err
	}
	if result.Status != schema.WorkflowStatusCompleted {
		os.Exit(2)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("validate expects exactly one workflow document path")
	}

	wf, err := loadDocument(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid (%d tasks)\n", wf.Name, len(wf.Tasks))
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := mcp.NewServer(mcp.ServerDeps{Engine: eng, Logger: cfg.logger()})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	rec, err := history.NewLibSQLRecorder(cfg.DBPath)
	if err != nil {
		return err
	}
	defer rec.Close()

	runs, err := rec.Recent(context.Background(), *limit)
	if err != nil {
		return err
	}
	return printJSON(runs)
}

// buildEngine wires the engine from config: strategies, logger, history
// recorder, concurrency, and deadline. The returned cleanup closes the
// recorder.
func buildEngine(cfg Config) (*engine.Engine, func(), error) {
	reg := strategy.NewRegistry()
	funcs := strategy.NewFuncRegistry()
	if err := reg.Register(strategy.NewToolStrategy(funcs)); err != nil {
		return nil, nil, err
	}
	if err := reg.Register(strategy.NewHandlerStrategy(nil)); err != nil {
		return nil, nil, err
	}

	logger := slog.New(logging.NewCorrelationHandler(cfg.logger().Handler()))
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConcurrency(cfg.Concurrency),
	}
	if cfg.Deadline > 0 {
		opts = append(opts, engine.WithDeadline(cfg.Deadline))
	}

	cleanup := func() {}
	if cfg.HistoryEnabled {
		rec, err := history.NewLibSQLRecorder(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, engine.WithRecorder(rec))
		cleanup = func() { _ = rec.Close() }
	}

	return engine.New(reg, opts...), cleanup, nil
}

func loadDocument(path string) (*schema.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loader, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	return loader.LoadDocument(raw)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
