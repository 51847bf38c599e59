// Package cli holds helpers shared by the etk command line tools.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Version information, overridden at link time with -X.
var (
	Version   = "0.3.0"
	BuildDate = "unknown"
	CommitSHA = "unknown"
)

// VersionInfo contains version and build information.
type VersionInfo struct {
	Version     string `json:"version"`
	BuildDate   string `json:"build_date"`
	CommitSHA   string `json:"commit_sha"`
	GoVersion   string `json:"go_version"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	WireVersion string `json:"wire_version"`
}

// GetVersionInfo returns structured version information. wire is the
// message wire format version the binary writes.
func GetVersionInfo(wire string) (*VersionInfo, error) {
	if _, err := semver.StrictNewVersion(Version); err != nil {
		return nil, fmt.Errorf("malformed tool version %q: %w", Version, err)
	}
	return &VersionInfo{
		Version:     Version,
		BuildDate:   BuildDate,
		CommitSHA:   CommitSHA,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		WireVersion: wire,
	}, nil
}

// PrintVersion prints version information as text or JSON.
func PrintVersion(w io.Writer, toolName, wire string, jsonOutput bool) error {
	info, err := GetVersionInfo(wire)
	if err != nil {
		return err
	}
	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal version info: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "%s v%s\n", toolName, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Wire Format: %s\n", info.WireVersion)
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
	return nil
}

// ConfigureLogging sets the process log verbosity and destination. An empty
// path logs to stderr.
func ConfigureLogging(verbosity int, path string) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// ExitWithError prints an error message and exits with code 1.
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ExitWithCode exits with the specified code and optional message.
func ExitWithCode(code int, format string, args ...any) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// CommandInfo describes a subcommand for usage output.
type CommandInfo struct {
	Name        string
	Usage       string
	Description string
	Examples    []string
}

// PrintUsage prints the top-level usage message.
func PrintUsage(w io.Writer, tool string, commands []CommandInfo) {
	fmt.Fprintf(w, "%s - etk messaging kernel tools\n\n", tool)
	fmt.Fprintf(w, "USAGE:\n")
	fmt.Fprintf(w, "    %s [GLOBAL OPTIONS] <command> [OPTIONS]\n\n", tool)

	if len(commands) > 0 {
		fmt.Fprintf(w, "COMMANDS:\n")
		for _, cmd := range commands {
			fmt.Fprintf(w, "    %-12s %s\n", cmd.Name, cmd.Description)
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "GLOBAL OPTIONS:\n")
	fmt.Fprintf(w, "    --config PATH  Settings file (default $ETK_CONFIG or the user config dir)\n")
	fmt.Fprintf(w, "    -v             Raise log verbosity; repeat for more\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Use '%s <command> -h' for more information about a command.\n", tool)
}

// PrintCommandUsage prints usage for one subcommand.
func PrintCommandUsage(w io.Writer, tool string, cmd CommandInfo) {
	fmt.Fprintf(w, "%s %s - %s\n\n", tool, cmd.Name, cmd.Description)
	fmt.Fprintf(w, "USAGE:\n    %s\n\n", cmd.Usage)
	if len(cmd.Examples) > 0 {
		fmt.Fprintf(w, "EXAMPLES:\n")
		for _, example := range cmd.Examples {
			fmt.Fprintf(w, "    %s\n", example)
		}
		fmt.Fprintf(w, "\n")
	}
}

// ValidateArgs checks that at least minArgs positional arguments were given.
func ValidateArgs(args []string, minArgs int, usage string) error {
	if len(args) < minArgs {
		return fmt.Errorf("insufficient arguments\nUsage: %s", usage)
	}
	return nil
}
