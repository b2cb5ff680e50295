package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/auth"
	"github.com/huyvng/decksync/internal/config"
	"github.com/huyvng/decksync/internal/deck"
	"github.com/huyvng/decksync/internal/progress"
	"github.com/huyvng/decksync/internal/storage"
	"github.com/huyvng/decksync/internal/syncer"
	"github.com/huyvng/decksync/internal/web"
)

func main() {
	// 1. Define and parse command-line flags
	def := config.Default()
	flags := pflag.NewFlagSet("decksync", pflag.ExitOnError)
	configPath := flags.String("config", config.DefaultConfigPath(), "Path to the YAML config file")
	flags.String("lms-url", def.LMSURL, "LMS server base URL")
	flags.String("db-path", def.DBPath, "Path to the SQLite database file")
	flags.String("decks-dir", def.DecksDir, "Directory for downloaded deck packages")
	flags.String("listen", def.Listen, "Control server listen address")
	flags.Duration("timeout", def.Timeout, "Timeout for LMS requests")
	flags.String("log-level", def.LogLevel, "Log level: debug, info, warn or error")
	email := flags.String("email", "", "Email for the login action")
	password := flags.String("password", "", "Password for the login action (prompted when omitted)")
	flags.Parse(os.Args[1:])

	action := "sync"
	if args := flags.Args(); len(args) > 0 {
		action = args[0]
	}

	// 2. Load the layered configuration
	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg.LogLevel)

	// 3. Open the database and wire the components
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	slog.Debug("database opened", "path", cfg.DBPath)

	client := api.NewClient(cfg.LMSURL, cfg.Timeout)
	authMgr := auth.NewManager(client, db)
	cache, err := progress.NewCache(db, client)
	if err != nil {
		log.Fatalf("Failed to initialize progress cache: %v", err)
	}
	installer := deck.NewInstaller(cfg.DecksDir)
	sync := syncer.New(client, authMgr, db, cache, installer)

	ctx := context.Background()

	// 4. Run the requested action
	switch action {
	case "login":
		if err := runLogin(ctx, authMgr, *email, *password); err != nil {
			log.Fatalf("Login failed: %v", err)
		}
		fmt.Println("Logged in.")
	case "logout":
		if err := authMgr.Logout(); err != nil {
			log.Fatalf("Logout failed: %v", err)
		}
		fmt.Println("Logged out.")
	case "sync":
		result, err := sync.Sync(ctx)
		if err != nil {
			slog.Warn("sync finished with errors", "error", err)
		}
		fmt.Printf("Downloaded %d decks, synced %d reviews.\n", result.Downloaded, result.Synced)
	case "status":
		if err := runStatus(authMgr, db, cache); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	case "serve":
		server := web.NewServer(cfg, db, client, authMgr, cache, sync)
		slog.Info("control server listening", "addr", cfg.Listen)
		if err := http.ListenAndServe(cfg.Listen, server); err != nil {
			log.Fatalf("Control server failed: %v", err)
		}
	default:
		log.Fatalf("Unknown action %q (expected login, logout, sync, status or serve)", action)
	}
}

func runLogin(ctx context.Context, authMgr *auth.Manager, email, password string) error {
	reader := bufio.NewReader(os.Stdin)
	if email == "" {
		fmt.Print("Email: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		email = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Print("Password: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimSpace(line)
	}
	return authMgr.Login(ctx, email, password)
}

func runStatus(authMgr *auth.Manager, db *storage.DB, cache *progress.Cache) error {
	fmt.Printf("Session: %s", authMgr.State())
	if email := authMgr.Email(); email != "" {
		fmt.Printf(" (%s)", email)
	}
	fmt.Println()

	decks, err := db.GetAllDecks()
	if err != nil {
		return err
	}
	stats, err := cache.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Tracked decks: %d\n", len(decks))
	for _, d := range decks {
		fmt.Printf("  [%d] %s (v%d, %d pending reviews)\n", d.LMSDeckID, d.Title, d.LocalVersion, stats.ByDeck[d.LMSDeckID])
	}
	fmt.Printf("Pending reviews: %d (%s)\n", stats.Total, stats.State)
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
