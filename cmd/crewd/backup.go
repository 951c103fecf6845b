package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/eventlog"
)

// runBackupCommand snapshots the event log into dest. VACUUM INTO gives a
// consistent copy even while the daemon is writing.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: crewd backup <dest>")
		return 2
	}
	dest := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	dbPath := filepath.Join(cfg.HomeDir, "crewd.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "backup: no event log at %s\n", dbPath)
		return 1
	}

	store, err := eventlog.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}

	info, err := os.Stat(dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: wrote %s but cannot stat it: %v\n", dest, err)
		return 1
	}
	fmt.Printf("backup written: %s (%d bytes)\n", dest, info.Size())
	return 0
}
