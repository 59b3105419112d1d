package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/mindroomhq/mindroom/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("mindroom doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	snap, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Homeserver
	fmt.Println()
	fmt.Println("  Homeserver:")
	fmt.Printf("    %-12s %s\n", "URL:", snap.Homeserver.URL)
	fmt.Printf("    %-12s %s\n", "Domain:", snap.Homeserver.Domain)
	checkHomeserver(snap.Homeserver.URL)
	checkSecret("Reg secret", snap.Homeserver.RegistrationSecret)
	checkSecret("Bot passwd", snap.Homeserver.BotPassword)

	// Models
	fmt.Println()
	fmt.Println("  Models:")
	for _, m := range snap.Models {
		envKey := "MINDROOM_MODEL_" + strings.ToUpper(m.ID) + "_API_KEY"
		if m.APIKey != "" {
			fmt.Printf("    %-16s %s (%s set)\n", m.ID+":", m.Model, envKey)
		} else {
			fmt.Printf("    %-16s %s (%s NOT SET)\n", m.ID+":", m.Model, envKey)
		}
	}
	if len(snap.Models) == 0 {
		fmt.Println("    (none configured)")
	}

	// Memory backend
	fmt.Println()
	fmt.Println("  Memory:")
	switch snap.Memory.Backend {
	case "postgres":
		fmt.Printf("    %-12s postgres\n", "Backend:")
		checkPostgres(snap.Memory.PostgresDSN)
	default:
		path := snap.Memory.Path
		if path == "" {
			path = "~/.mindroom/memory.db"
		}
		fmt.Printf("    %-12s sqlite\n", "Backend:")
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(path))
	}

	// MCP servers
	fmt.Println()
	fmt.Println("  MCP servers:")
	for _, s := range snap.MCPServers {
		if s.Transport == "stdio" || s.Transport == "" {
			checkBinary(s.Name, s.Command)
		} else {
			fmt.Printf("    %-16s %s %s\n", s.Name+":", s.Transport, s.URL)
		}
	}
	if len(snap.MCPServers) == 0 {
		fmt.Println("    (none configured)")
	}

	// Entities
	fmt.Println()
	ents := snap.Entities()
	fmt.Printf("  Entities: %d (router %q, %d agents, %d teams)\n",
		len(ents), snap.RouterID(), len(snap.Agents), len(snap.Teams))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkHomeserver(baseURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/_matrix/client/versions", nil)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-12s reachable (HTTP %d)\n", "Status:", resp.StatusCode)
}

func checkSecret(name, value string) {
	if value != "" {
		masked := strings.Repeat("*", len(value))
		if len(value) > 8 {
			masked = value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
		}
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else {
		fmt.Printf("    %-12s (not set)\n", name+":")
	}
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s MINDROOM_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")
}

func checkBinary(name, command string) {
	path, err := exec.LookPath(command)
	if err != nil {
		fmt.Printf("    %-16s %s NOT FOUND\n", name+":", command)
	} else {
		fmt.Printf("    %-16s %s\n", name+":", path)
	}
}
