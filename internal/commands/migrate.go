package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/trade-footprint/internal/database"
)

var dryRun bool

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long: `Manage the MySQL schema for signal records and instruments.

Migrations are bundled into the binary.

Examples:
  footprint migrate up       # Run all pending migrations
  footprint migrate down     # Rollback the last migration
  footprint migrate status   # Show migration status`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMySQL(func(ctx context.Context, db *database.MySQLClient) error {
			if dryRun {
				return printPending(ctx, db)
			}
			applied, err := db.Migrate(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("No pending migrations")
				return nil
			}
			for _, m := range applied {
				fmt.Printf("Applied %s - %s\n", m.Version, m.Name)
			}
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMySQL(func(ctx context.Context, db *database.MySQLClient) error {
			m, err := db.Rollback(ctx)
			if err != nil {
				return err
			}
			if m == nil {
				fmt.Println("No migrations to rollback")
				return nil
			}
			fmt.Printf("Rolled back %s - %s\n", m.Version, m.Name)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMySQL(func(ctx context.Context, db *database.MySQLClient) error {
			migrations, err := db.MigrationStatus(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-16s %-40s %-8s %s\n", "Version", "Name", "Status", "Applied At")
			fmt.Println(strings.Repeat("-", 90))
			for _, m := range migrations {
				status, at := "pending", ""
				if m.Applied {
					status = "applied"
					if m.AppliedAt != nil {
						at = m.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-16s %-40s %-8s %s\n", m.Version, m.Name, status, at)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	migrateUpCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be executed without running")
}

func printPending(ctx context.Context, db *database.MySQLClient) error {
	migrations, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	pending := 0
	for _, m := range migrations {
		if m.Applied {
			continue
		}
		pending++
		fmt.Printf("[DRY RUN] %s - %s\n%s\n\n", m.Version, m.Name, m.UpSQL)
	}
	if pending == 0 {
		fmt.Println("No pending migrations")
	}
	return nil
}

// withMySQL runs fn against a connected client
func withMySQL(fn func(ctx context.Context, db *database.MySQLClient) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	db, err := database.NewMySQLClient(&cfg.MySQL, log)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return fn(ctx, db)
}
