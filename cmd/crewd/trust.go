package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/tui"
)

type trustedBinary struct {
	Path       string     `json:"path"`
	SHA256     string     `json:"sha256"`
	PinnedAt   time.Time  `json:"pinned_at"`
	VerifiedAt *time.Time `json:"verified_at"`
}

// runTrustCommand manages the supply-chain pin set over the daemon's RPC
// surface. External launchers call trust.verify before executing a pinned
// binary; this command is the operator's way to pin, audit, and re-check.
func runTrustCommand(ctx context.Context, args []string) int {
	usage := func() int {
		fmt.Fprintln(os.Stderr, "usage: crewd trust pin <path> | verify <path> | list")
		return 2
	}
	if len(args) == 0 {
		return usage()
	}

	verb := args[0]
	var path string
	switch verb {
	case "pin", "verify":
		if len(args) != 2 {
			return usage()
		}
		path = args[1]
	case "list":
		if len(args) != 1 {
			return usage()
		}
	default:
		return usage()
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
	defer cancel()
	client, err := tui.Dial(dialCtx, cfg.BindAddr, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trust: %v\n", err)
		return 1
	}
	defer client.Close()

	switch verb {
	case "pin":
		var res struct {
			Path   string `json:"path"`
			SHA256 string `json:"sha256"`
		}
		if err := client.Call(dialCtx, "trust.pin", map[string]any{"path": path}, &res); err != nil {
			fmt.Fprintf(os.Stderr, "trust.pin: %v\n", err)
			return 1
		}
		fmt.Printf("pinned %s\nsha256 %s\n", res.Path, res.SHA256)
		return 0

	case "verify":
		var res struct {
			Verified bool `json:"verified"`
		}
		if err := client.Call(dialCtx, "trust.verify", map[string]any{"path": path}, &res); err != nil {
			fmt.Fprintf(os.Stderr, "trust.verify: %v\n", err)
			return 1
		}
		fmt.Printf("verified %s\n", path)
		return 0

	default:
		var res struct {
			Binaries []trustedBinary `json:"binaries"`
		}
		if err := client.Call(dialCtx, "trust.list", nil, &res); err != nil {
			fmt.Fprintf(os.Stderr, "trust.list: %v\n", err)
			return 1
		}
		if len(res.Binaries) == 0 {
			fmt.Println("no binaries pinned")
			return 0
		}
		for _, bin := range res.Binaries {
			line := fmt.Sprintf("%s  %s  pinned %s", bin.SHA256, bin.Path, bin.PinnedAt.Format(time.RFC3339))
			if bin.VerifiedAt != nil {
				line += fmt.Sprintf(", last verified %s", bin.VerifiedAt.Format(time.RFC3339))
			}
			fmt.Println(line)
		}
		return 0
	}
}
