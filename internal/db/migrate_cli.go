package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the "migrate" subcommand: up, down, status or
// force <version>. Output goes to w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}

	// Open without migrating; the action decides what happens to the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		return printStatus(w, database)

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		return printStatus(w, database)

	case "status":
		return printStatus(w, database)

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: critterwatch migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := database.MigrateForce(version); err != nil {
			return err
		}
		return printStatus(w, database)

	case "help", "-h", "--help":
		PrintMigrateHelp(w)
		return nil

	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

func printStatus(w io.Writer, database *DB) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "database:        %s\n", database.Path())
	fmt.Fprintf(w, "current version: %d\n", version)
	fmt.Fprintf(w, "latest version:  %d\n", latest)
	fmt.Fprintf(w, "dirty:           %v\n", dirty)
	if version < latest {
		fmt.Fprintf(w, "pending:         %d migration(s); run 'critterwatch migrate up'\n", latest-version)
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: critterwatch migrate <action>

Actions:
  up               apply all pending migrations
  down             roll back the most recent migration
  status           show current and latest schema versions
  force <version>  mark the database as <version> without running migrations
`)
}
