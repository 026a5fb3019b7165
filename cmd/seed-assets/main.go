// seed-assets loads a TOML asset file into the assets table for local and staging setups
// that run without the catalog service.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-assets --file assets.toml
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"
)

func main() {
	path := flag.String("file", "", "Required: TOML file with [[assets]] entries")
	dryRun := flag.Bool("dry-run", false, "If true, do not write; only print what would be seeded")
	flag.Parse()

	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	file, err := directory.DecodeAssetFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read asset file: %v\n", err)
		os.Exit(1)
	}
	counts := map[string]int{}
	for _, a := range file.Assets {
		counts[a.Department]++
	}
	if *dryRun {
		fmt.Printf("[dry-run] %d assets across %d departments: %v\n", len(file.Assets), len(counts), counts)
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if err := models.MigrateTable(db, true); err != nil {
		config.LogError(logger, "seed-assets", "main", "MigrateTable", nil, err)
		os.Exit(1)
	}
	if len(file.Assets) > 0 {
		if err := db.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(file.Assets, 500).Error; err != nil {
			config.LogError(logger, "seed-assets", "main", "upsert assets", *path, err)
			os.Exit(1)
		}
	}
	logger.WithFields(logrus.Fields{
		"field":       "seed-assets",
		"assets":      len(file.Assets),
		"departments": counts,
	}).Info("assets seeded")
}
