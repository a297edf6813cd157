// Package cmd implements the platen subcommands. Each RunX function takes
// the arguments after the subcommand name and returns an error for main
// to report.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/pflag"

	"grimm.is/platen/internal/brand"
	"grimm.is/platen/internal/client"
	"grimm.is/platen/internal/config"
	"grimm.is/platen/internal/i18n"
	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
)

// Printer is the locale-aware output printer for all commands.
var Printer = i18n.NewCLIPrinter()

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configFile string
	host       string
	port       int
	apiKey     string
	verbose    bool
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	cf := &commonFlags{}
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVarP(&cf.configFile, "config", "c", brand.DefaultConfigPath(), "Configuration file")
	flags.StringVar(&cf.host, "host", "", "Printer host (overrides config)")
	flags.IntVarP(&cf.port, "port", "p", 0, "Printer API port (overrides config)")
	flags.StringVarP(&cf.apiKey, "api-key", "k", "", "Static API key (overrides config)")
	flags.BoolVarP(&cf.verbose, "verbose", "v", false, "Debug logging")
	return flags, cf
}

// loadConfig reads the config file, falling back to defaults when the
// default file does not exist, then applies flag overrides.
func loadConfig(cf *commonFlags) (*config.Config, error) {
	cfg, err := config.LoadFile(cf.configFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cf.configFile != brand.DefaultConfigPath() {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}

	if cf.host != "" {
		cfg.Printer.Host = cf.host
	}
	if cf.port != 0 {
		cfg.Printer.Port = cf.port
	}
	if cf.apiKey != "" {
		cfg.Printer.APIKey = cf.apiKey
	}
	if cf.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the process logger described by cfg.
func setupLogging(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	lc.JSON = cfg.Logging.JSON
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}

func newRESTClient(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) *client.HTTPClient {
	return client.NewHTTPClient(
		client.BaseURL(cfg.Printer.Host, cfg.Printer.Port),
		client.WithAPIKey(cfg.Printer.APIKey),
		client.WithTimeout(cfg.Printer.RequestTimeout()),
		client.WithLogger(logger.WithComponent("rest")),
		client.WithMetrics(reg),
	)
}

// prepare parses args and returns the config and a REST client.
func prepare(name string, args []string, extra func(*pflag.FlagSet)) (*pflag.FlagSet, *config.Config, *client.HTTPClient, error) {
	flags, cf := newFlagSet(name)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig(cf)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := setupLogging(cfg)
	return flags, cfg, newRESTClient(cfg, logger, nil), nil
}

func printField(label string, value any) {
	Printer.Printf("%-18s %v\n", label+":", value)
}
