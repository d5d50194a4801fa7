package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// rootCmd is the root of the command-line application.
var rootCmd = &cobra.Command{
	Use:   "modelvisor",
	Short: "Supervise local model-serving backends",
	Long: "modelvisor downloads model artifacts, launches one backend process per model,\n" +
		"waits for it to become healthy and exposes start/stop/status over HTTP.",
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
