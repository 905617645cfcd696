package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "registry",
	Short: "Service registry and discovery",
	Long:  `Service registry providing registration, health tracking, discovery and an audit trail for backend services`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
