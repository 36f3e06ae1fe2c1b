package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"

	"github.com/BTreeMap/ConvoPipe/internal/config"
)

// Flags holds command line flag values. Empty values leave the loaded
// configuration untouched.
type Flags struct {
	configPath     *string
	stateDir       *string
	dbDSN          *string
	apiAddr        *string
	logLevel       *string
	importWorkflow *string
	activate       *bool
	importCatalog  *string
	qrOutput       *string
	numeric        *bool
}

func main() {
	// Bootstrap logger until the configured one is ready
	initializeLogger(os.Stdout, config.LoggingConfig{Level: "info"})

	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:])

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)

	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ConvoPipe", "state_dir", cfg.StateDir, "sqlite", cfg.UsesSQLite(), "api_addr", cfg.Server.Addr)
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("ConvoPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ConvoPipe exited successfully")
}

// parseCommandLineFlags registers and parses the flags on fs.
func parseCommandLineFlags(fs *flag.FlagSet, args []string) Flags {
	flags := Flags{
		configPath:     fs.String("config", "", "path to a YAML config file"),
		stateDir:       fs.String("state-dir", "", "state directory for ConvoPipe data (overrides $CONVOPIPE_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", "", "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:        fs.String("api-addr", "", "API server address (overrides $API_ADDR)"),
		logLevel:       fs.String("log-level", "", "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		importWorkflow: fs.String("import-workflow", "", "import a workflow definition JSON file and exit"),
		activate:       fs.Bool("activate", true, "activate the imported workflow"),
		importCatalog:  fs.String("import-catalog", "", "import a catalog offerings JSON file and exit"),
		qrOutput:       fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Debug("flag parsing stopped", "error", err)
	}
	slog.Debug("flags parsed",
		"config", *flags.configPath,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"importWorkflow", *flags.importWorkflow,
		"importCatalog", *flags.importCatalog)
	return flags
}

// applyFlags overrides configuration values with explicitly set flags. A new
// state directory moves the default SQLite file along with it.
func applyFlags(cfg *config.Config, flags Flags) {
	if dir := *flags.stateDir; dir != "" && dir != cfg.StateDir {
		if cfg.Database.DSN == filepath.Join(cfg.StateDir, config.DefaultDBFileName) {
			cfg.Database.DSN = filepath.Join(dir, config.DefaultDBFileName)
		}
		cfg.StateDir = dir
	}
	if *flags.dbDSN != "" {
		cfg.Database.DSN = *flags.dbDSN
	}
	if *flags.apiAddr != "" {
		cfg.Server.Addr = *flags.apiAddr
	}
	if *flags.logLevel != "" {
		cfg.Logging.Level = *flags.logLevel
	}
	if *flags.qrOutput != "" {
		cfg.WhatsApp.QRPath = *flags.qrOutput
	}
	if *flags.numeric {
		cfg.WhatsApp.NumericCode = true
	}
}

// initializeLogger installs a slog handler writing to w.
func initializeLogger(w io.Writer, cfg config.LoggingConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupLogging installs the configured logger. When a log file is set, logs
// also go to a daily rotated file next to it.
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	if cfg.File == "" {
		initializeLogger(os.Stdout, cfg)
		return func() {}, nil
	}
	rl, err := newRotatingLog(cfg)
	if err != nil {
		return nil, err
	}
	initializeLogger(io.MultiWriter(os.Stdout, rl), cfg)
	return func() { _ = rl.Close() }, nil
}

func newRotatingLog(cfg config.LoggingConfig) (*rotatelogs.RotateLogs, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	opts := []rotatelogs.Option{rotatelogs.WithLinkName(cfg.File)}
	if cfg.MaxAge > 0 {
		opts = append(opts, rotatelogs.WithMaxAge(cfg.MaxAge))
	}
	if cfg.RotationTime > 0 {
		opts = append(opts, rotatelogs.WithRotationTime(cfg.RotationTime))
	}
	rl, err := rotatelogs.New(cfg.File+".%Y%m%d", opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return rl, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the
// database directory.
func ensureDirectoriesExist(cfg *config.Config) error {
	dirs := []string{cfg.StateDir}
	if cfg.UsesSQLite() {
		dirs = append(dirs, filepath.Dir(cfg.Database.DSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
