// Package cli implements the pigeon command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/config"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/session"
)

var (
	cfgFile        string
	jsonOutput     bool
	verbose        bool
	logLevel       string
	logFormat      string
	dataDir        string
	relayURL       string
	storageBackend string

	appConfig *config.Config
	logFile   io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "pigeon",
	Short: "Real-time chat from the terminal",
	Long: `pigeon keeps a local identity, contacts and conversations, and exchanges
messages with other pigeon users through a relay.

Conversations are keyed by their recipient set: replies from the same people
land in the same thread regardless of the order they are listed in.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
			logFile = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/pigeon/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "override relay URL")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", "", "override storage backend (file, sqlite)")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	// Flag overrides win over file and environment.
	if dataDir != "" {
		loader.Set("global.data_dir", dataDir)
	}
	if relayURL != "" {
		loader.Set("channel.url", relayURL)
	}
	if storageBackend != "" {
		loader.Set("storage.backend", storageBackend)
	}
	if logLevel != "" {
		loader.Set("logging.level", logLevel)
	}
	if logFormat != "" {
		loader.Set("logging.format", logFormat)
	}
	if verbose {
		loader.Set("logging.level", "debug")
	}

	cfg, err := loader.Load()
	if err != nil {
		return Exitf(ExitCodeConfig, "%v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return Exitf(ExitCodeConfig, "%v", err)
	}
	if err := initLogging(cfg.Logging); err != nil {
		return Exitf(ExitCodeConfig, "%v", err)
	}
	appConfig = cfg

	if used := loader.ConfigFileUsed(); used != "" {
		logging.Debug().Str("file", used).Msg("loaded config")
	}
	return nil
}

func initLogging(cfg config.LoggingConfig) error {
	logCfg := logging.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.EnableCaller,
	}
	if path := strings.TrimSpace(cfg.File); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = file
		logFile = file
	}
	logging.Init(logCfg)
	return nil
}

// openSession builds a session from the loaded configuration.
func openSession(ctx context.Context) (*session.Session, error) {
	cfg := appConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s, err := session.Open(ctx, cfg)
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "open session: %v", err)
	}
	return s, nil
}

func contextStore() *config.ContextStore {
	if appConfig == nil {
		return config.NewContextStore("")
	}
	return config.NewContextStore(appConfig.ContextPath())
}

// restoreSelection applies the selection saved by a previous invocation.
func restoreSelection(ctx context.Context, s *session.Session) {
	stored, err := contextStore().Load()
	if err != nil {
		logging.Warn().Err(err).Msg("ignoring unreadable context file")
		return
	}
	if !stored.IsEmpty() {
		s.Engine().SelectConversation(ctx, stored.ConversationID)
	}
}

func saveSelection(id, label string) error {
	store := contextStore()
	current, err := store.Load()
	if err != nil {
		current = &config.Context{}
	}
	current.SetConversation(id, label)
	return store.Save(current)
}

func requireLogin(s *session.Session) error {
	if s.CurrentIdentity().IsEmpty() {
		return Exitf(ExitCodeNotLoggedIn, "not logged in (run 'pigeon login <id>' or 'pigeon new-id')")
	}
	return nil
}
