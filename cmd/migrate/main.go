package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ogurasousui/staff-provisioning/internal/platform/config"
	"github.com/ogurasousui/staff-provisioning/internal/platform/logging"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to config file (defaults to CONFIG_PATH env or assets/local.yaml)")
		migrationsDir = flag.String("dir", "assets/migrations", "directory containing migration files")
		logLevel      = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat     = flag.String("log-format", "text", "log format (text, json)")
	)
	flag.Parse()

	logger := logging.Named(logging.New(config.LogConfig{Level: *logLevel, Format: *logFormat}, os.Stderr), "migrate")
	slog.SetDefault(logger)

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, effectiveConfigPath(*configPath), *migrationsDir, cmd); err != nil {
		logger.Error("migration failed", "action", cmd.action, "error", err)
		os.Exit(1)
	}
}

// command は実行するマイグレーション操作です。force と steps のみ引数を取ります。
type command struct {
	action string
	arg    int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{action: "up"}, nil
	}

	cmd := command{action: strings.ToLower(args[0])}
	switch cmd.action {
	case "up", "down", "drop", "version":
		if len(args) > 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.action)
		}
	case "force", "steps":
		if len(args) != 2 {
			return command{}, fmt.Errorf("%s requires exactly one integer argument", cmd.action)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("%s: invalid argument %q", cmd.action, args[1])
		}
		if cmd.action == "steps" && n == 0 {
			return command{}, errors.New("steps: argument must not be zero")
		}
		cmd.arg = n
	default:
		return command{}, fmt.Errorf("unsupported action %q", cmd.action)
	}
	return cmd, nil
}

func effectiveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "assets/local.yaml"
}

func run(ctx context.Context, logger *slog.Logger, cfgPath, dir string, cmd command) error {
	dbCfg, err := config.LoadDatabase(cfgPath)
	if err != nil {
		return err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path for %s: %w", dir, err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(absDir), dbCfg.DSN())
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()
	m.Log = migrateLogger{logger: logger}

	// シグナル受信時は実行中のマイグレーションを完了させてから停止します。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("interrupt received, stopping after current migration")
			m.GracefulStop <- true
		case <-done:
		}
	}()

	logger.Info("running migration", "action", cmd.action, "dir", absDir, "database", dbCfg.Name)
	if err := apply(m, logger, cmd); err != nil {
		return err
	}
	logger.Info("migration completed", "action", cmd.action)
	return nil
}

func apply(m *migrate.Migrate, logger *slog.Logger, cmd command) error {
	switch cmd.action {
	case "up":
		return ignoreNoChange(m.Up())
	case "down":
		return ignoreNoChange(m.Down())
	case "steps":
		return ignoreNoChange(m.Steps(cmd.arg))
	case "force":
		return m.Force(cmd.arg)
	case "drop":
		return m.Drop()
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migration applied")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("current version", "version", version, "dirty", dirty)
		return nil
	default:
		return fmt.Errorf("unsupported action %q", cmd.action)
	}
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// migrateLogger は migrate.Logger を slog へ橋渡しします。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
