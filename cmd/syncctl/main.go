package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var Version = "dev"

type rootFlags struct {
	server   string
	token    string
	logLevel string
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:          "syncctl",
		Short:        "Inspect and drive a tasksync sync server",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.server, "server", envOr("TASKSYNC_SERVER", "http://localhost:8787"), "Sync server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("TASKSYNC_TOKEN"), "Credential used to connect")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Client log level")

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(watchCmd(flags))
	rootCmd.AddCommand(editCmd(flags))
	rootCmd.AddCommand(presenceCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// socketURL maps the server base URL to its connection channel endpoint.
func (f *rootFlags) socketURL() string {
	base := strings.TrimRight(f.server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

func (f *rootFlags) requireToken() error {
	if strings.TrimSpace(f.token) == "" {
		return fmt.Errorf("a credential is required: pass --token or set TASKSYNC_TOKEN")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
