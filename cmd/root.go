package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ebullioscopic/WaterDrop/config"
	"github.com/Ebullioscopic/WaterDrop/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	flagLogLevel string
	flagLogFile  string
	flagJSONLogs bool
	flagEnvFile  string
	flagNoColor  bool
)

// appContext is filled by the root pre-run for every subcommand.
type appContext struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	dataDir  string
	closeLog func() error
}

var app appContext

var rootCmd = &cobra.Command{
	Use:   "waterdrop",
	Short: "Send files to nearby devices over the local network",
	Long: `WaterDrop finds other WaterDrop devices on the local network with mDNS,
negotiates a direct WebRTC data channel with the chosen one, and streams files
over it in verified chunks.`,
	Version:           Version,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app.closeLog != nil {
			return app.closeLog()
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&flagLogFile, "log-file", "", "also write logs to this rotated file")
	flags.BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON")
	flags.StringVar(&flagEnvFile, "env-file", ".env", "environment file to load before reading config")
	flags.BoolVar(&flagNoColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(runCmd, sendCmd, peersCmd, historyCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(flagEnvFile); err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logFile := cfg.LogFile
	if flagLogFile != "" {
		logFile = flagLogFile
	}
	_, closeLog := logging.Init(logging.Options{Level: level, FilePath: logFile, JSON: flagJSONLogs})
	configureColor(flagNoColor)

	app = appContext{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  filepath.Dir(cfgPath),
		closeLog: closeLog,
	}
	slog.Debug("config loaded", "path", cfgPath, "device_id", cfg.DeviceID)
	return nil
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err.Error())
		stop()
		os.Exit(1)
	}
}
