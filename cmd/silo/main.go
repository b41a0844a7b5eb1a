package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func fatalf(code int, format string, a ...interface{}) {
	w := os.Stderr
	if _, err := fmt.Fprintf(w, format, a...); err == nil {
		fmt.Fprintln(w)
	}
	os.Exit(code)
}

var rootCmd = &cobra.Command{
	Use:   "silo",
	Short: "in-memory serializable key-value transaction engine",
	Long: `silo is an in-memory, multi-version, ordered key-value store with
serializable transactions built on optimistic concurrency control.`,
}

func main() {
	rootCmd.AddCommand(serveCmd, benchCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
