package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"crashroom/internal/config"
	"crashroom/internal/database"
	"crashroom/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("crashroom-migrate", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	migrationsPath := cfg.DB.MigrationsPath

	// create only touches the filesystem.
	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate create <migration_name>")
		}
		createMigration(log, migrationsPath, os.Args[2])
		return
	}

	db, err := database.New(cfg.DB, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("running migrations", zap.String("path", migrationsPath))
		if err := database.RunMigrations(db.DB(), migrationsPath); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("migrations completed")

	case "down":
		log.Info("rolling back last migration", zap.String("path", migrationsPath))
		if err := database.RollbackMigration(db.DB(), migrationsPath); err != nil {
			log.Fatal("rollback failed", zap.Error(err))
		}
		log.Info("rollback completed")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db.DB(), migrationsPath)
		if err != nil {
			log.Fatal("failed to get version", zap.Error(err))
		}
		if dirty {
			log.Warn("schema is dirty, needs manual intervention", zap.Uint("version", version))
		} else {
			log.Info("current version", zap.Uint("version", version))
		}

	default:
		log.Error("unknown command", zap.String("command", command))
		printUsage()
		os.Exit(1)
	}
}

func createMigration(log *zap.Logger, dir, name string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		log.Fatal("failed to read migrations directory", zap.Error(err))
	}
	nextVersion := len(matches) + 1

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		log.Fatal("failed to create up migration", zap.Error(err))
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		log.Fatal("failed to create down migration", zap.Error(err))
	}

	log.Info("created migration files", zap.String("up", upFile), zap.String("down", downFile))
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_SCHEMA     Database schema (default: public)")
	fmt.Println("  MIGRATIONS_PATH         Path to migrations (default: ./migrations)")
}
