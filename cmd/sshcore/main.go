// Command sshcore runs an SSH transport and authentication server, and a
// client that connects to one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pzverkov/sshcore/pkg/config"
	pkgversion "github.com/pzverkov/sshcore/pkg/version"
)

// Build-time variables (set via -ldflags)
var (
	version   = ""        // Set via -ldflags "-X main.version=x.y.z"
	buildTime = "unknown" // Set via -ldflags "-X main.buildTime=..."
	gitCommit = "unknown" // Set via -ldflags "-X main.gitCommit=..."
)

func getVersion() string {
	if version != "" {
		return version
	}
	return pkgversion.String()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "sshcore",
		Short: "SSH transport and user authentication server and client",
		Long: `sshcore runs the SSH-2 transport layer and user authentication
protocol. After authentication the server hosts a gate service that keeps
the session open and refuses channels.`,
		Version:      getVersion(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log.level (debug, info, warn, error, silent)")

	rootCmd.AddCommand(
		serveCmd(&flags),
		connectCmd(&flags),
		keygenCmd(),
		hashpwCmd(),
		benchCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig returns the defaults when no file is given.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sshcore version %s\n", getVersion())
			fmt.Fprintf(out, "Identification: SSH-2.0-%s\n", pkgversion.Software())
			if buildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", buildTime)
			}
			if gitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			}
		},
	}
}
