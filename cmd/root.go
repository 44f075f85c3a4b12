package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elysia-ai/elysia/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/elysia-ai/elysia/cmd.Version=v1.0.0"
var Version = "dev"

var (
	verbose bool
	host    string
	port    int
	dataDir string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "elysia",
	Short: "Elysia — decision-tree agent service",
	Long: "Elysia serves multi-tenant conversational agents: per-user decision trees " +
		"that select and invoke tools against a vector database, streaming typed " +
		"frames to websocket clients.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&host, "host", "0.0.0.0", "listen host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 8000, "listen port")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "elysia_data", "per-user frontend config directory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file with provider and database credentials")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("elysia %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
