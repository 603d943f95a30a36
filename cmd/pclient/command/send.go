package command

import (
	"pserver/cmd/pclient/command/client"

	"github.com/spf13/cobra"
)

var sendName string

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.SendFile(args[0], sendName)
		if err != nil {
			return err
		}
		client.PrintResponse(resp)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendName, "name", "", "name to store the file under (server default if empty)")
}
