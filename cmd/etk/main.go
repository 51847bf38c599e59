// Command etk inspects and exercises the etk messaging kernel: it prints the
// effective settings, encodes and decodes flattened messages and runs a
// looper throughput benchmark.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/etkit/etk/internal/cli"
	"github.com/etkit/etk/internal/config"
	"github.com/etkit/etk/internal/runtime"
)

var log = commonlog.GetLogger("etk.cmd")

const tool = "etk"

var commands = []cli.CommandInfo{
	{Name: "version", Usage: "etk version [--json]", Description: "Show version information"},
	{Name: "config", Usage: "etk config dump|check", Description: "Print or validate the effective settings",
		Examples: []string{"etk --config ./etk.toml config dump", "ETK_LOOPER_PORT_CAPACITY=50 etk config check"}},
	{Name: "flatten", Usage: "etk flatten -what CODE [-field name=type:value]... [-o FILE]", Description: "Encode a message in the wire format",
		Examples: []string{"etk flatten -what ping -field count=int32:3 -field who=string:me -o ping.msg"}},
	{Name: "unflatten", Usage: "etk unflatten FILE", Description: "Decode and print a flattened message"},
	{Name: "bench", Usage: "etk bench [-loopers N] [-producers N] [-messages N] [-proxy] [-metrics ADDR]", Description: "Measure looper throughput"},
}

func main() {
	global := flag.NewFlagSet(tool, flag.ExitOnError)
	configPath := global.String("config", "", "settings file")
	var verbosity int
	global.Func("v", "raise log verbosity (repeatable)", func(string) error { verbosity++; return nil })
	global.Usage = func() { cli.PrintUsage(os.Stderr, tool, commands) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if verbosity == 0 {
		verbosity = cfg.Log.Verbosity
	}
	cli.ConfigureLogging(verbosity, cfg.Log.File)
	if err := runtime.Init(runtime.SettingsFromConfig(cfg)); err != nil {
		cli.ExitWithError("%v", err)
	}
	defer runtime.Teardown()

	sub, rest := args[0], args[1:]
	switch sub {
	case "help", "-h", "--help":
		cli.PrintUsage(os.Stdout, tool, commands)
	case "version":
		fs := flag.NewFlagSet("version", flag.ExitOnError)
		jsonOutput := fs.Bool("json", false, "print JSON")
		_ = fs.Parse(rest)
		must(cli.PrintVersion(os.Stdout, "etk", runtime.WireVersion, *jsonOutput))
	case "config":
		must(configCmd(cfg, *configPath, rest))
	case "flatten":
		must(flattenCmd(rest))
	case "unflatten":
		must(unflattenCmd(rest))
	case "bench":
		must(benchCmd(rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", sub)
		cli.PrintUsage(os.Stderr, tool, commands)
		os.Exit(2)
	}
}

func must(err error) {
	if err != nil {
		log.Errorf("%s", err)
		runtime.Teardown()
		cli.ExitWithError("%v", err)
	}
}

func usageFor(name string) func() {
	return func() {
		for _, c := range commands {
			if c.Name == name {
				cli.PrintCommandUsage(os.Stderr, tool, c)
				return
			}
		}
	}
}
