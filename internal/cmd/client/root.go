package client

import (
	"github.com/spf13/cobra"
)

// AddCommands registers the admin client commands on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(NewKVCommands(baseURL)...)
	root.AddCommand(NewStatusCommands(baseURL)...)
	root.AddCommand(NewWALCommand(baseURL))
}

// NewRoot constructs a root Cobra command holding only the client
// commands.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "relayd client commands",
	}
	AddCommands(root, baseURL)
	return root
}
