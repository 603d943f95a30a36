package command

import (
	"encoding/json"

	"pserver/cmd/pclient/command/client"

	"github.com/spf13/cobra"
)

var echoCmd = &cobra.Command{
	Use:   "echo [data]",
	Short: "Send an echo request",
	Long: `Send an echo request. Data that parses as JSON is sent as JSON,
anything else as a string. Without an argument the data field is left out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		var data json.RawMessage
		if len(args) == 1 {
			data = client.ParseData(args[0])
		}
		resp, err := c.Echo(data)
		if err != nil {
			return err
		}
		client.PrintResponse(resp)
		return nil
	},
}
