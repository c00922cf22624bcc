package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proteusbox/proteusbox/box"
	"github.com/proteusbox/proteusbox/store/filestore"
)

// decryptCmd tries a hex-encoded ciphertext against every session
// under the store until one of them accepts it. This mirrors poking
// at a box from outside the application that actually owns the
// session id a message was addressed to.
func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <hex-ciphertext>",
		Short: "Try a ciphertext against every session in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexToBytes(args[0])
			if err != nil {
				return fmt.Errorf("parsing hex: %w", err)
			}

			fs, err := filestore.Open(storePath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			b, err := box.Open(fs)
			if err != nil {
				return fmt.Errorf("opening box: %w", err)
			}
			ids, err := fs.SessionIDs()
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			for _, id := range ids {
				sess, err := b.SessionLoad(id)
				if err != nil || sess == nil {
					continue
				}
				plaintext, err := sess.Decrypt(raw)
				if err != nil {
					fmt.Printf("session %q: %v\n", id, err)
					continue
				}
				fmt.Printf("session %q decrypted: %q\n", id, plaintext)
				return nil
			}
			return fmt.Errorf("no session in %s could decrypt this message", storePath)
		},
	}
}
