// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/NTM-Digital/ntmServices/internal/config"
	"github.com/NTM-Digital/ntmServices/internal/logging"
)

func main() {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg := config.Load()

	if len(cfg.AdminAPIKeys) == 0 {
		fail("ADMIN_API_KEYS is empty (admin routes are open to anyone).")
	}
	if len(cfg.PublicAPIKeys) == 0 {
		warn("PUBLIC_API_KEYS is empty; read routes accept admin keys only.")
	}
	for _, name := range []string{"ADMIN_API_KEYS", "PUBLIC_API_KEYS"} {
		if strings.Contains(os.Getenv(name), " ") {
			warn(name + " contains spaces; they are trimmed, use key1,key2")
		}
	}

	ok("API_ADDR=" + cfg.Addr)
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		fail("LOG_LEVEL: " + err.Error())
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			fail("DATABASE_DRIVER=postgres but DATABASE_URL/POSTGRES_URL is empty.")
		} else {
			ok("postgres store, notify channel " + cfg.NotifyChannel)
		}
	case config.DriverSQLite:
		ok("sqlite store at " + cfg.SQLitePath)
	default:
		warn("memory store: monitors and incidents are lost on restart.")
		if cfg.MonitorsFile != "" {
			if seeds, err := config.LoadSeed(cfg.MonitorsFile); err != nil {
				fail("MONITORS_FILE: " + err.Error())
			} else {
				ok(fmt.Sprintf("MONITORS_FILE has %d monitors", len(seeds)))
			}
		}
	}

	if len(cfg.AllowedOrigins) == 0 {
		warn("ALLOWED_ORIGINS empty; CORS allows any origin.")
	} else {
		ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
	}

	if failed {
		os.Exit(1)
	}
	ok("preflight passed")
}
