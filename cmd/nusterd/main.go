// Command nusterd runs the nuster cache engine behind net/http listeners.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "nusterd",
		Short: "nuster HTTP cache and NoSQL server",
		Long: `nusterd serves cache-mode proxies in front of an upstream and
nosql-mode proxies as a key/value store over HTTP, plus a manager
endpoint for purges and Prometheus metrics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file read before the configuration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nusterd version: %s\n", version)
			if bi, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("  module: %s\n", bi.Main.Path)
			}
			fmt.Printf("  go version: %s\n", runtime.Version())
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nusterd:", err)
		os.Exit(1)
	}
}
