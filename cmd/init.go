package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"grimm.is/platen/internal/brand"
	"grimm.is/platen/internal/config"
)

// RunInit writes a default configuration file.
func RunInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	path := flags.StringP("config", "c", brand.DefaultConfigPath(), "Configuration file to create")
	host := flags.String("host", "", "Printer host")
	force := flags.BoolP("force", "f", false, "Overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := config.DefaultConfig()
	if *host != "" {
		cfg.Printer.Host = *host
	}
	if err := config.SaveFile(cfg, *path); err != nil {
		return err
	}
	Printer.Printf("Wrote %s\n", *path)
	return nil
}
