package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, os.Getenv("SFT_LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// run dispatches a subcommand. No arguments runs fine-tuning from
// model.yaml in the working directory.
func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return runFineTune(ctx, DefaultConfigPath, stdout, logger)
	}

	switch args[0] {
	case "init":
		return RunInitCommand(ctx, args[1:], stdout, logger)
	case "generate":
		return RunGenerateCommand(args[1:], stdout, logger)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sft                 Fine-tune the model described by model.yaml")
	fmt.Fprintln(w, "  sft init [options]  Create a base model directory from a text corpus")
	fmt.Fprintln(w, "  sft generate [...]  Generate text from a base model and optional adapter")
	fmt.Fprintln(w, "  sft help            Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  sft init -data=./corpus -out=base_model -pretrain-steps=200")
	fmt.Fprintln(w, "  sft")
	fmt.Fprintln(w, "  sft generate -model=base_model -adapter=output -instruction=\"Reverse a string in Go\"")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  HF_TOKEN            Bearer token for hub datasets")
	fmt.Fprintln(w, "  SFT_LOG_LEVEL       debug, info (default), warn or error")
}
