package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/tui"
)

type accountStatus struct {
	AccountID     string `json:"account_id"`
	Provider      string `json:"provider"`
	Available     bool   `json:"available"`
	TotalRequests int64  `json:"total_requests"`
	Usage         struct {
		RPMUsed  int64 `json:"rpm_used"`
		RPMLimit int64 `json:"rpm_limit"`
		TPMUsed  int64 `json:"tpm_used"`
		TPMLimit int64 `json:"tpm_limit"`
	} `json:"usage"`
}

type systemStatus struct {
	Healthy          bool           `json:"healthy"`
	DBOK             bool           `json:"db_ok"`
	Tasks            map[string]int `json:"tasks"`
	PendingApprovals int            `json:"pending_approvals"`
	RiskVersion      string         `json:"risk_version"`
	ConfigHash       string         `json:"config_hash"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
}

type schedulerStatus struct {
	QueueLength  int             `json:"queue_length"`
	NextPriority int             `json:"queue_next_priority"`
	WaitingRetry int             `json:"waiting_retry"`
	Dispatched   int64           `json:"dispatched_total"`
	Exhausted    int64           `json:"exhausted_total"`
	Accounts     []accountStatus `json:"accounts"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: crewd status [-json]")
			return 2
		}
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
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer client.Close()

	var sys systemStatus
	if err := client.Call(dialCtx, "system.status", nil, &sys); err != nil {
		fmt.Fprintf(os.Stderr, "system.status: %v\n", err)
		return 1
	}
	var sched schedulerStatus
	if err := client.Call(dialCtx, "scheduler.status", nil, &sched); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler.status: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"system": sys, "scheduler": sched})
		if !sys.Healthy {
			return 1
		}
		return 0
	}

	health := "healthy"
	if !sys.Healthy {
		health = "UNHEALTHY"
	}
	fmt.Printf("crewd %s (up %s, config %s)\n", health,
		(time.Duration(sys.UptimeSeconds) * time.Second).String(), sys.ConfigHash)

	if len(sys.Tasks) > 0 {
		statuses := make([]string, 0, len(sys.Tasks))
		for status := range sys.Tasks {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		fmt.Printf("tasks:")
		for _, status := range statuses {
			fmt.Printf(" %s=%d", status, sys.Tasks[status])
		}
		fmt.Println()
	} else {
		fmt.Println("tasks: none")
	}

	fmt.Printf("scheduler: queue=%d retry_wait=%d dispatched=%d exhausted=%d\n",
		sched.QueueLength, sched.WaitingRetry, sched.Dispatched, sched.Exhausted)
	fmt.Printf("approvals pending: %d\n", sys.PendingApprovals)
	fmt.Printf("risk table: %s\n", sys.RiskVersion)

	for _, acct := range sched.Accounts {
		avail := "available"
		if !acct.Available {
			avail = "blocked"
		}
		fmt.Printf("account %s (%s): %s, rpm %d/%d, tpm %d/%d, served %d\n",
			acct.AccountID, acct.Provider, avail,
			acct.Usage.RPMUsed, acct.Usage.RPMLimit,
			acct.Usage.TPMUsed, acct.Usage.TPMLimit,
			acct.TotalRequests)
	}

	if !sys.Healthy {
		return 1
	}
	return 0
}
