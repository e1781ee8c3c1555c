package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/history"
	"pushdeploy/internal/project"
	"pushdeploy/internal/server"
	"pushdeploy/pkg/cmdutil"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// DefaultSecret is the documented insecure default; it must be overridden
// in production via WEBHOOK_SECRET.
const DefaultSecret = "change-me-in-production"

var (
	configDir  string
	hostingDir string
	lockDir    string
	deployCmd  string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive push webhook requests.

The server listens for push events and triggers deployments based on the
project configuration directory.`,
	RunE: runServe,
}

func init() {
	// A .env next to the binary is convenient on small hosts; absence is fine
	_ = godotenv.Load()

	serveCmd.Flags().StringVarP(&configDir, "config-dir", "c", getEnvOrDefault("PUSHDEPLOY_CONFIG_DIR", "./projects"), "Directory of project configuration YAML files")
	serveCmd.Flags().StringVar(&hostingDir, "hosting-dir", getEnvOrDefault("HOSTING_DIR", "/srv/hosting"), "Root directory containing project checkouts")
	serveCmd.Flags().StringVar(&lockDir, "lock-dir", getEnvOrDefault("PUSHDEPLOY_LOCK_DIR", filepath.Join(os.TempDir(), "pushdeploy.lock")), "Path of the deployment lock directory")
	serveCmd.Flags().StringVar(&deployCmd, "deploy-command", getEnvOrDefault("DEPLOY_COMMAND", ""), "Deploy command to run (default: /bin/bash <hosting-dir>/deploy.sh)")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("PUSHDEPLOY_LOG_FILE", "./pushdeploy.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("PUSHDEPLOY_DB_PATH", "./deployments.db"), "Path to SQLite history database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("PUSHDEPLOY_HOST", "0.0.0.0"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("PORT", 9000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("PUSHDEPLOY_TEST_MODE") == "1", "Enable test mode (no rate limiting, no history database)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting pushdeployd", "hosting_dir", hostingDir)

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		secret = DefaultSecret
	}
	if secret == DefaultSecret {
		logger.Warn("WEBHOOK_SECRET is not set; using the insecure default. Override it in production.")
	}

	logger.Info("Loading configuration", "config_dir", configDir)
	byRepo, err := project.LoadDir(configDir)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := project.NewRegistry(byRepo)
	logger.Info("Configuration loaded", "repos", registry.Count(), "projects", registry.Names())

	if registry.Count() == 0 {
		logger.Warn("No projects configured", "config_dir", configDir)
		logger.Warn("The server will start but won't handle any deployments until projects are added")
	}

	command, err := resolveDeployCommand(deployCmd, hostingDir)
	if err != nil {
		return err
	}
	logger.Info("Deploy command", "command", cmdutil.FormatCommand(command))

	var hist *history.History
	if !testMode {
		logger.Info("Initializing history database", "db", dbPath)
		hist, err = history.New(dbPath)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
		defer hist.Close()
	}

	lock := deployment.NewLock(lockDir)
	supervisor := deployment.NewSupervisor(hostingDir, command, lock, hist, logger)
	coordinator := deployment.NewCoordinator(registry, lock, supervisor, hist, logger)

	srv := server.NewServer(registry, coordinator, lock, hist, logger, secret, configDir, testMode)

	logger.Info("Starting HTTP server", "host", host, "port", port)
	if err := srv.Start(host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// resolveDeployCommand parses the configured deploy command, defaulting to
// the deploy.sh script in the hosting root
func resolveDeployCommand(raw, hostingDir string) ([]string, error) {
	if raw == "" {
		return []string{"/bin/bash", filepath.Join(hostingDir, "deploy.sh")}, nil
	}

	command, err := cmdutil.ParseCommandString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid deploy command %q: %w", raw, err)
	}
	return command, nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
