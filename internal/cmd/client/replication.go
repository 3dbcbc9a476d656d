package client

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

// getter is a no-argument admin API call.
type getter func(ctx context.Context) (json.RawMessage, error)

func showCommand(use, short string, call func(BaseURLFunc) getter, baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := call(baseURL)(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

// NewStatusCommands constructs the instance, replicas, applier and gc
// commands.
func NewStatusCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		showCommand("instance", "Show the local instance id, role and vclock",
			func(b BaseURLFunc) getter { return transport(b).Instance }, baseURL),
		showCommand("replicas", "List replicas known to a primary",
			func(b BaseURLFunc) getter { return transport(b).Replicas }, baseURL),
		showCommand("applier", "Show the applier state of a replica",
			func(b BaseURLFunc) getter { return transport(b).Applier }, baseURL),
		showCommand("gc", "List WAL garbage collection pins",
			func(b BaseURLFunc) getter { return transport(b).Pins }, baseURL),
	}
}

// NewWALCommand constructs the `wal` command group.
func NewWALCommand(baseURL BaseURLFunc) *cobra.Command {
	walCmd := &cobra.Command{Use: "wal", Short: "Inspect the write-ahead log"}

	walCmd.AddCommand(showCommand("segments", "List retained WAL segments",
		func(b BaseURLFunc) getter { return transport(b).Segments }, baseURL))

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print WAL transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			raw, err := transport(baseURL).Entries(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	dumpCmd.Flags().Uint64("from", 0, "First WAL sequence to print")
	dumpCmd.Flags().Int("limit", 100, "Max transactions to print")
	walCmd.AddCommand(dumpCmd)
	return walCmd
}
