package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/basket/clawdeck/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawdeck status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	// Piped output stays machine-readable.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			fmt.Println()
		}
		if resp.StatusCode != http.StatusOK {
			return 1
		}
		return 0
	}

	var health struct {
		Healthy       bool   `json:"healthy"`
		DBOK          bool   `json:"db_ok"`
		DBSizeBytes   uint64 `json:"db_size_bytes"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		ConfigHash    string `json:"config_hash"`
		TenantCount   int    `json:"tenant_count"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		_, _ = os.Stdout.Write(body)
		fmt.Println()
		return 1
	}

	state := "healthy"
	if !health.Healthy {
		state = "UNHEALTHY"
	}
	started := time.Now().Add(-time.Duration(health.UptimeSeconds) * time.Second)
	fmt.Printf("clawdeck at %s: %s\n", addr, state)
	fmt.Printf("  tenants:  %d\n", health.TenantCount)
	fmt.Printf("  db:       ok=%v size=%s\n", health.DBOK, humanize.Bytes(health.DBSizeBytes))
	fmt.Printf("  up since: %s (%s)\n", started.Format(time.RFC822), humanize.Time(started))
	fmt.Printf("  config:   %s\n", health.ConfigHash)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
