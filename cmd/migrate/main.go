// Command migrate applies, inspects and rolls back the messaging schema.
//
//	migrate up            apply pending SQL migrations
//	migrate auto          run GORM AutoMigrate over the persistent models
//	migrate status        print the schema policy and pending versions
//	migrate down VERSION  roll back one applied migration
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/middleware"

	"gorm.io/gorm"
)

type command func(ctx context.Context, db *gorm.DB, cfg *config.Config, args []string) error

var commands = map[string]command{
	"up":     migrateUp,
	"auto":   migrateAuto,
	"status": migrateStatus,
	"down":   migrateDown,
}

func main() {
	flag.Parse()
	name := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|auto|status|down VERSION>")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		middleware.Logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{ApplySchema: false})
	if err != nil {
		middleware.Logger.Error("connect database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := cmd(context.Background(), db, cfg, flag.Args()[1:]); err != nil {
		middleware.Logger.Error("migrate "+name+" failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func migrateUp(ctx context.Context, db *gorm.DB, _ *config.Config, _ []string) error {
	if err := database.RunMigrations(ctx, db, database.GetMigrations()); err != nil {
		return err
	}
	middleware.Logger.Info("sql migrations applied")
	return nil
}

func migrateAuto(ctx context.Context, db *gorm.DB, cfg *config.Config, _ []string) error {
	cfg.DBSchemaMode = database.SchemaModeAuto
	if err := database.ApplySchema(ctx, db, cfg); err != nil {
		return err
	}
	middleware.Logger.Info("automigrate applied")
	return nil
}

func migrateStatus(ctx context.Context, db *gorm.DB, cfg *config.Config, _ []string) error {
	status, err := database.GetSchemaStatus(ctx, db, cfg)
	if err != nil {
		return err
	}
	middleware.Logger.Info("schema status",
		slog.String("mode", status.Mode),
		slog.String("env", cfg.Env),
		slog.Bool("run_sql", status.WillRunSQL),
		slog.Bool("run_auto", status.WillRunAutoMigrate),
		slog.Int("applied", len(status.AppliedVersions)),
		slog.Int("pending", len(status.Pending)),
	)
	for _, m := range status.Pending {
		middleware.Logger.Info("pending migration", slog.String("migration", m.String()))
	}
	return nil
}

func migrateDown(ctx context.Context, db *gorm.DB, _ *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("down needs a version")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}
	if err := database.RollbackMigration(ctx, db, database.GetMigrations(), version); err != nil {
		return err
	}
	middleware.Logger.Info("migration rolled back", slog.Int("version", version))
	return nil
}
