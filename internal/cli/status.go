package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratebeam/ratebeam-go/pkg/ratebeam"
)

func newStatusCmd() *cobra.Command {
	var (
		flags     clientFlags
		owner     string
		operation string
		path      string
		method    string
		warm      int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local token cache after warming it",
		Long: `Issues a few warm-up consume calls and prints the resulting bucket table.
The cache lives in process memory, so this inspects the state a client
with the same configuration would build up.`,
		Example: `  ratebeam status --owner user_42 --operation send_email
  ratebeam status --owner user_42 --operation send_email --warm 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.build()
			if err != nil {
				return err
			}

			for i := 0; i < warm; i++ {
				if _, err := client.Consume(cmd.Context(), ratebeam.ConsumeRequest{
					Owner:     owner,
					Operation: operation,
					Path:      path,
					Method:    method,
				}); err != nil {
					return fmt.Errorf("warm-up consume: %w", err)
				}
			}

			printCache(client)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&owner, "owner", "", "owner identifier (required)")
	cmd.Flags().StringVar(&operation, "operation", "", "named operation to warm the cache with")
	cmd.Flags().StringVar(&path, "path", "", "path to warm the cache with (with --method)")
	cmd.Flags().StringVar(&method, "method", "", "HTTP method accompanying --path")
	cmd.Flags().IntVar(&warm, "warm", 1, "number of warm-up consume calls")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
