package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proteusbox/proteusbox/proteus"
)

// prettifyCmd decodes a hex-encoded envelope and prints its structure
// without touching any store.
func prettifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prettify <hex-envelope>",
		Short: "Decode and print a wire envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexToBytes(args[0])
			if err != nil {
				return fmt.Errorf("parsing hex: %w", err)
			}
			env, err := proteus.DeserializeEnvelope(raw)
			if err != nil {
				return fmt.Errorf("decoding envelope: %w", err)
			}
			fmt.Println(env.String())
			return nil
		},
	}
}
