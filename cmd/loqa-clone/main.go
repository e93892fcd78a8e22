package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/runtime"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-clone.yaml", "Path to configuration file (empty for defaults)")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file applied before env overrides")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			bootLogger.Error("failed to load env file", slog.String("path", envPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		closeLog()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newLogger writes JSON logs to stdout, and also to a rotating file when
// telemetry.log_file is set.
func newLogger(cfg config.Config) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if path := cfg.Telemetry.LogFile; path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.Telemetry.LogMaxSizeMB,
			MaxBackups: cfg.Telemetry.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	return logger.With(slog.String("runtime", cfg.RuntimeName), slog.String("version", version)), closeFn
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
