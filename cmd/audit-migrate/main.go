// audit-migrate applies the audit schema. Run it as a job before rolling out a revision
// that sets SKIP_MIGRATIONS=true.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/audit-migrate [--with-assets]
package main

import (
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	withAssets := flag.Bool("with-assets", false, "Also create the assets table (local/dev setups without the catalog service)")
	dsn := flag.String("dsn", "", "MySQL DSN; defaults to the DB_* env vars")
	flag.Parse()

	logger := config.GetLogger()

	var db *gorm.DB
	if *dsn != "" {
		conn, err := config.OpenDatabase(*dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			os.Exit(1)
		}
		db = conn
	} else {
		config.ConnectDatabaseWithRetry()
		db = config.GetDB()
	}
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	if err := models.MigrateTable(db, *withAssets); err != nil {
		config.LogError(logger, "audit-migrate", "main", "MigrateTable", *withAssets, err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":       "audit-migrate",
		"with_assets": *withAssets,
	}).Info("audit schema is up to date")
}
