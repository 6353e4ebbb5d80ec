package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	adminAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "xatm",
	Short: "Two-phase commit transaction coordinator",
	Long: `xatm coordinates global transactions across resource managers with the
two-phase commit protocol, and recovers in-doubt branches after a crash.

serve runs the coordinator. The other commands talk to a running
coordinator through its admin address, except dump-log which reads the
transaction log of a stopped one.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the yaml configuration")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "Admin address of a running coordinator (defaults to admin.addr of the configuration)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
