package client

import (
	"github.com/spf13/cobra"
)

// NewKVCommands constructs the put, get and delete commands.
func NewKVCommands(baseURL BaseURLFunc) []*cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Write a value on the local instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, _ := cmd.Flags().GetUint32("space")
			raw, err := transport(baseURL).Put(cmd.Context(), sp, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, _ := cmd.Flags().GetUint32("space")
			raw, err := transport(baseURL).Get(cmd.Context(), sp, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	delCmd := &cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"del"},
		Short:   "Delete a value on the local instance",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, _ := cmd.Flags().GetUint32("space")
			raw, err := transport(baseURL).Delete(cmd.Context(), sp, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	for _, c := range []*cobra.Command{putCmd, getCmd, delCmd} {
		c.Flags().Uint32("space", 0, "Space id (0 = default space)")
	}
	return []*cobra.Command{putCmd, getCmd, delCmd}
}
