package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/stream"
)

// RunGCode opens the channel once, runs each argument as a G-code script
// and prints the host's reply.
func RunGCode(args []string) error {
	var timeout time.Duration
	flags, cfg, rest, err := prepare("gcode", args, func(fs *pflag.FlagSet) {
		fs.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Per-command timeout")
	})
	if err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New(`usage: gcode "G28" ["M105" ...]`)
	}

	sup := newSupervisor(cfg, rest, logging.Default(), nil, nil)
	defer sup.Close()

	if err := sup.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for _, script := range flags.Args() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		resp, err := sup.Call(ctx, stream.MethodGCodeScript, map[string]any{"script": script})
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", script, err)
		}
		var result string
		if err := resp.Decode(&result); err != nil {
			result = strings.TrimSpace(string(resp.Result))
		}
		Printer.Printf("%s: %s\n", script, result)
	}
	return nil
}
