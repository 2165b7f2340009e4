package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tollgate-proxy/tollgate/pkg/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate - hot-reconfigurable reverse proxy",
	Long: `Tollgate proxies HTTP/1.1, HTTPS, TLS and raw TCP traffic to pools of
backends. A worker is configured at runtime through orders sent on its
control socket, so listeners, pools, backends, routing rules and
certificates change without dropping traffic.`,
	Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code matching the failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tollgate: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tollgate.toml", "path to TOML configuration file")
}
