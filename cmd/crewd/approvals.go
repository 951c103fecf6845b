package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/tui"
)

func runApprovalsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: crewd approvals")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token, err := config.EnsureAuthToken(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
		return 1
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := tui.Dial(dialCtx, cfg.BindAddr, token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
		return 1
	}
	defer client.Close()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CREWD_NO_TUI") == ""
	if !interactive {
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tui.PrintApprovals(listCtx, client, func(format string, a ...any) {
			fmt.Printf(format, a...)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
			return 1
		}
		return 0
	}

	if err := tui.RunApprovals(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
		return 1
	}
	return 0
}
