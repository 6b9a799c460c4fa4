// ABOUTME: Entry point for the dubhe hub server
// ABOUTME: Bridges agent messaging onto Matrix with identity and approvals

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/dubhe-im/dubhe/internal/approval"
	"github.com/dubhe-im/dubhe/internal/audit"
	"github.com/dubhe-im/dubhe/internal/auth"
	"github.com/dubhe-im/dubhe/internal/chain"
	"github.com/dubhe-im/dubhe/internal/config"
	"github.com/dubhe-im/dubhe/internal/delivery"
	"github.com/dubhe-im/dubhe/internal/httpapi"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/matrix"
	"github.com/dubhe-im/dubhe/internal/rooms"
	"github.com/dubhe-im/dubhe/internal/storage"
	"github.com/dubhe-im/dubhe/internal/translate"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _       _     _
  __| |_   _| |__ | |__   ___
 / _' | | | | '_ \| '_ \ / _ \
| (_| | |_| | |_) | | | |  __/
 \__,_|\__,_|_.__/|_| |_|\___|
`

// getConfigPath returns the path to the hub config file.
// Priority: DUBHE_CONFIG env var > XDG_CONFIG_HOME/dubhe/hub.yaml > ~/.config/dubhe/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DUBHE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dubhe", "hub.yaml")
}

// getDataPath returns the path to the dubhe data directory.
// Priority: XDG_DATA_HOME/dubhe > ~/.local/share/dubhe
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "dubhe")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dubhe <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the hub server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  token --operator ID   Mint an admin API token")
		fmt.Println("  health                Check hub health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger. Components pick it up through slog.Default.
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage: %s\n", cfg.Storage.Backend)

	green.Print("    ▶ ")
	fmt.Printf("Matrix:  ")
	if cfg.Matrix.Enabled {
		cyan.Print(cfg.Matrix.Homeserver)
		gray.Printf(" as %s", cfg.Matrix.UserID)
	} else {
		yellow.Print("disabled (local echo channel)")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting dubhe",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
		"rooms_policy", cfg.Rooms.Policy,
	)

	backend, err := storage.Open(ctx, storage.Options{
		Kind:        cfg.Storage.Backend,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		MySQLDSN:    cfg.Storage.MySQLDSN,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer backend.Close()

	auditClient := audit.NewClient(audit.Config{
		MessageURL:        cfg.Audit.MessageURL,
		DecisionURL:       cfg.Audit.DecisionURL,
		PermissionInitURL: cfg.Audit.PermissionInitURL,
	}, nil)

	chainClient := chain.NewClient(cfg.Chain.BaseURL, nil)
	refresher := identity.NewDIDRefresher(chainClient, cfg.Identity.DIDMaxAttempts, cfg.Identity.DIDRetryBase)
	defer refresher.Close()

	registry := identity.NewRegistry(backend, auditClient, refresher)

	// The channel is either a real homeserver or a local echo for
	// development without Matrix.
	var (
		provisioner rooms.Provisioner
		sender      delivery.Sender
		mtx         *matrix.Client
	)
	if cfg.Matrix.Enabled {
		mtx, err = matrix.NewClient(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken)
		if err != nil {
			return fmt.Errorf("creating matrix client: %w", err)
		}
		provisioner, sender = mtx, mtx
	} else {
		echo := newEchoChannel(logger)
		provisioner, sender = echo, echo
	}

	manager := rooms.NewManager(backend, provisioner, registry, cfg.Rooms.Policy)
	translator := translate.New(registry)

	pipeline := delivery.NewPipeline(backend, registry, manager, translator, sender, auditClient,
		delivery.Options{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			RetryBase:   cfg.Delivery.RetryBase,
			SendTimeout: cfg.Delivery.SendTimeout,
		})

	approvals := approval.NewCoordinator(backend, auditClient)

	var verifier auth.TokenVerifier
	if cfg.Auth.AdminJWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.AdminJWTSecret))
	} else {
		logger.Warn("auth.admin_jwt_secret not set, admin endpoints are disabled")
	}

	api := httpapi.NewServer(httpapi.Config{
		Homeserver: cfg.Matrix.Homeserver,
		APIBase:    cfg.Server.APIBase,
	}, registry, pipeline, approvals, verifier, readyProbe(backend, mtx))

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if mtx != nil {
		listener := matrix.NewListener(mtx, translator, inboundHandler(logger, manager, auditClient))
		go func() {
			if err := listener.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// readyProbe checks storage and, when configured, the homeserver token.
// mtx may be nil (matrix disabled).
func readyProbe(backend storage.Backend, mtx *matrix.Client) httpapi.ReadyFunc {
	return func(ctx context.Context) error {
		if _, err := backend.Keys(ctx, "owners", ""); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if mtx != nil {
			return mtx.WhoAmI(ctx)
		}
		return nil
	}
}

// inboundHandler resolves the room back to its agent scope and reports the
// message to the audit service.
func inboundHandler(logger *slog.Logger, manager *rooms.Manager, auditor *audit.Client) matrix.InboundHandler {
	return func(ctx context.Context, roomID, sender string, msg translate.NativeMessage) {
		ownerID, agentID, err := manager.RoomScope(ctx, roomID)
		if err != nil {
			logger.Debug("inbound message from unmanaged room", "room_id", roomID, "sender", sender)
			return
		}

		logger.Info("inbound message routed",
			"room_id", roomID, "sender", sender, "owner_id", ownerID, "agent_id", agentID)

		ev := audit.Event{
			MessageID: uuid.NewString(),
			Sender:    sender,
			Receiver:  agentID,
			RoomID:    roomID,
			Status:    "received",
			Timestamp: time.Now().UTC(),
		}
		if err := auditor.ReportMessage(ctx, ev); err != nil {
			logger.Warn("inbound audit report failed", "room_id", roomID, "error", err)
		}
	}
}

// echoChannel stands in for Matrix when the homeserver is disabled. Rooms
// and event ids are fabricated locally so the rest of the hub behaves
// normally in development.
type echoChannel struct {
	logger *slog.Logger
}

func newEchoChannel(logger *slog.Logger) *echoChannel {
	return &echoChannel{logger: logger.With("component", "echo-channel")}
}

func (e *echoChannel) CreateRoom(_ context.Context, name, topic string) (string, error) {
	roomID := "!local-" + uuid.NewString() + ":dubhe.local"
	e.logger.Info("room created", "room_id", roomID, "name", name, "topic", topic)
	return roomID, nil
}

func (e *echoChannel) Send(_ context.Context, roomID string, msg translate.ChannelMessage) (string, error) {
	eventID := "$local-" + uuid.NewString()
	e.logger.Info("message delivered", "room_id", roomID, "event_id", eventID, "body", msg.Body)
	return eventID, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an admin JWT from the configured secret:
// dubhe token --operator ops-alice [--ttl 720h]
func runToken() error {
	var operator string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--operator" || arg == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--operator requires a value")
			}
			operator = args[i+1]
			i++
		case strings.HasPrefix(arg, "--operator="):
			operator = strings.TrimPrefix(arg, "--operator=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
			i++
		case strings.HasPrefix(arg, "--ttl="):
			parsed, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if operator == "" {
		return fmt.Errorf("--operator flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.AdminJWTSecret == "" {
		return fmt.Errorf("auth.admin_jwt_secret not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.AdminJWTSecret))
	token, err := verifier.Generate(operator, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format("Jan 02, 2006"))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dubhe configuration setup")
	fmt.Println("=========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "hub.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Storage
	fmt.Println("\n--- Storage Configuration ---")
	backendKind := prompt(reader, "Storage backend (memory/sqlite/postgres/mysql)", "sqlite")

	var dbPath, dsn string
	switch backendKind {
	case "sqlite":
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	case "postgres":
		dsn = prompt(reader, "Postgres DSN", "postgres://dubhe@localhost:5432/dubhe")
	case "mysql":
		dsn = prompt(reader, "MySQL DSN", "dubhe@tcp(localhost:3306)/dubhe")
	}

	// Matrix
	fmt.Println("\n--- Matrix Configuration ---")
	enableMatrix := prompt(reader, "Enable Matrix?", "yes")
	matrixEnabled := strings.ToLower(enableMatrix) == "yes" || strings.ToLower(enableMatrix) == "y"

	var homeserver, userID string
	if matrixEnabled {
		homeserver = prompt(reader, "Homeserver URL", "https://matrix.example.com")
		userID = prompt(reader, "Bot user id", "@dubhe:example.com")
	}

	// Rooms
	fmt.Println("\n--- Room Configuration ---")
	roomPolicy := prompt(reader, "Room policy (dedicated/shared)", config.RoomPolicyDedicated)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate random admin JWT secret
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating admin secret: %w", err)
	}
	adminSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# dubhe configuration\n")
	cfg.WriteString("# Generated by dubhe init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", backendKind))
	switch backendKind {
	case "sqlite":
		cfg.WriteString(fmt.Sprintf("  sqlite_path: \"%s\"\n", dbPath))
	case "postgres":
		cfg.WriteString(fmt.Sprintf("  postgres_dsn: \"%s\"\n", dsn))
	case "mysql":
		cfg.WriteString(fmt.Sprintf("  mysql_dsn: \"%s\"\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", matrixEnabled))
	if matrixEnabled {
		cfg.WriteString(fmt.Sprintf("  homeserver: \"%s\"\n", homeserver))
		cfg.WriteString(fmt.Sprintf("  user_id: \"%s\"\n", userID))
		cfg.WriteString("  access_token: \"${DUBHE_MATRIX_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("rooms:\n")
	cfg.WriteString(fmt.Sprintf("  policy: \"%s\"\n", roomPolicy))
	cfg.WriteString("\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString("  max_attempts: 4\n")
	cfg.WriteString("  retry_base: \"200ms\"\n")
	cfg.WriteString("  send_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  admin_jwt_secret: \"%s\"\n", adminSecret))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists for sqlite
	if backendKind == "sqlite" {
		dataDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  dubhe serve\n")
	fmt.Println("\nTo mint an admin token:")
	fmt.Printf("  dubhe token --operator you\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
