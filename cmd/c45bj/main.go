package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c45bj/server/internal/config"
	"github.com/c45bj/server/internal/game"
	gonet "github.com/c45bj/server/internal/net"
	"github.com/c45bj/server/internal/persist"
	"github.com/c45bj/server/internal/proto"
	"github.com/c45bj/server/internal/registry"
	"github.com/c45bj/server/internal/scripting"
	"github.com/c45bj/server/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             c45bj  v0.1.0                 \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      雙人 21 點 · Go 遊戲伺服器           \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m伺服器:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	// Use rune count for CJK width calculation (each CJK char = 2 columns)
	displayWidth := 0
	for _, r := range title {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	lineLen := 46 - displayWidth - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	bindIP := flag.String("i", "", "bind IP address (requires -p)")
	bindPort := flag.String("p", "", "bind port 1..65535 (requires -i)")
	flag.Parse()

	// 1. Load config: TOML first, then the legacy key/value file, then
	// the CLI pair. CLI wins only when both flags are present and valid.
	cfgPath := "config/server.toml"
	if p := os.Getenv("C45BJ_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cli := config.ParseCLI(*bindIP, *bindPort)
	if !cli.Requested && flag.NArg() > 0 {
		// bare positional argument: the old launcher's port-only form,
		// which is always an incomplete pair
		cli = config.ParseCLI("", flag.Arg(0))
	}
	if cli.Requested && !cli.OK {
		fmt.Fprintln(os.Stderr, "Invalid CLI IP/PORT: please provide both -i and -p")
	}
	legacy := config.LoadLegacy("config.txt")
	netSource := cfg.ResolveNet(cli, legacy)

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Optional PostgreSQL match history
	var recorder game.Recorder
	if cfg.Database.DSN != "" {
		printSection("資料庫")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL 連線成功")

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()
		printOK("資料庫遷移完成")
		fmt.Println()

		recorder = persist.NewMatchRepo(db)
	}

	// 4. Optional Lua lifecycle hooks
	luaEngine, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	var hooks game.Hooks
	if luaEngine != nil {
		defer luaEngine.Close()
		hooks = luaEngine
		printOK("Lua 腳本載入完成")
	}

	// 5. Core state: identity registry and lobby pool
	reg := registry.New()
	lobbies := game.NewManager(cfg.Server.LobbyCount, reg, recorder, hooks, log)
	defer lobbies.Stop()
	conns := gonet.NewConnSet()

	// 6. Network server
	handler := func(tr *gonet.Transport) {
		session.New(tr, reg, lobbies, conns, log).Run()
	}
	srv, err := gonet.NewServer(cfg.Network.Addr(), conns, handler, log)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- srv.AcceptLoop() }()

	printSection("伺服器就緒")
	printReady(fmt.Sprintf("監聽位址 %s (%s)", srv.Addr(), netSource))
	printReady(fmt.Sprintf("大廳數量 %d", cfg.Server.LobbyCount))
	fmt.Println()
	log.Info("伺服器啟動",
		zap.String("addr", srv.Addr().String()),
		zap.Int("lobbies", cfg.Server.LobbyCount),
		zap.String("net_source", netSource))

	// 7. Run until a signal or a listener failure
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		log.Info("收到關閉信號", zap.String("signal", sig.String()))
		srv.Shutdown()
		conns.Broadcast(proto.TokDown + " SHUTDOWN")
		lobbies.Stop()
		conns.CloseAll()
		log.Info("伺服器已停止")
		return nil
	case err := <-acceptErr:
		lobbies.Stop()
		if err != nil {
			return fmt.Errorf("accept loop: %w", err)
		}
		return nil
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
