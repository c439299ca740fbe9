// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/orchestrator/database"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	checkOnly := flag.Bool("check", false, "validate the schema without migrating")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Database: %s\n", describeTarget(&cfg.Database))

	if *checkOnly {
		if err := db.ValidateSchema(); err != nil {
			fmt.Printf("❌ Schema check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Schema is up to date.")
		return
	}

	fmt.Println("🚀 Starting database migration...")

	if err := db.AutoMigrate(); err != nil {
		fmt.Printf("❌ Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Database migration completed successfully!")

	if err := db.ValidateSchema(); err != nil {
		fmt.Printf("⚠️  Warning: Schema validation failed after migration: %v\n", err)
		fmt.Println("This might indicate a problem with the migration or model definitions.")
		os.Exit(1)
	}
	fmt.Println("✅ Schema validation passed - database is ready to use!")
}

// describeTarget names the migration target without echoing credentials.
func describeTarget(dc *config.DatabaseConfig) string {
	if dc.Driver == "postgres" {
		return fmt.Sprintf("postgres://%s@%s:%d/%s", dc.Username, dc.Host, dc.Port, dc.Database)
	}
	return fmt.Sprintf("%s %s", dc.Driver, dc.Database)
}
