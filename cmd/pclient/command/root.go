package command

// root.go defines the root command for pclient and its global flags.

import (
	"fmt"
	"os"
	"time"

	"pserver/cmd/pclient/command/client"
	"pserver/internal/config"

	"github.com/spf13/cobra"
)

var (
	host    string        // server host
	port    int           // server port
	timeout time.Duration // how long to wait for a reply
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pclient",
	Short: "pclient - talk to a pserver instance",
	Long: `pclient sends requests to a running pserver over WebSocket:
- echo some data and print what comes back
- upload a file and print the name the server stored it under`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err) // Print error to standard error
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags = available to all subcommands
	rootCmd.PersistentFlags().StringVar(&host, "host", config.DefaultLocalHost, "server host")
	rootCmd.PersistentFlags().IntVar(&port, "port", config.DefaultInPort, "server port")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a reply")

	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(sendCmd)
}

func connect() (*client.Client, error) {
	return client.Dial(host, port, timeout)
}
