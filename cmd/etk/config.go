package main

import (
	"fmt"
	"os"

	"github.com/etkit/etk/internal/cli"
	"github.com/etkit/etk/internal/config"
)

func configCmd(cfg config.Config, path string, args []string) error {
	if err := cli.ValidateArgs(args, 1, "etk config dump|check"); err != nil {
		return err
	}
	switch args[0] {
	case "dump":
		return config.Dump(os.Stdout, cfg)
	case "check":
		if path == "" {
			path = config.DefaultPath()
		}
		// Load already validated cfg.
		fmt.Printf("%s: ok (backend %s, port capacity %d)\n", path, cfg.Application.Backend, cfg.Looper.PortCapacity)
		return nil
	}
	return fmt.Errorf("unknown config subcommand %q", args[0])
}
