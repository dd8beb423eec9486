package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftware/chatbridge/pkg/logutil"
	"github.com/driftware/chatbridge/pkg/version"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "OpenAI-compatible bridge to an enterprise chat service",
	Long:  "Chatbridge exposes an OpenAI-compatible API backed by a rotating pool of cookie-authenticated enterprise chat accounts.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(rootLogLevel)
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print chatbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("chatbridge"))
		},
	})
}
