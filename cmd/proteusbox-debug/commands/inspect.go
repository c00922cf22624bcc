package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proteusbox/proteusbox/box"
	"github.com/proteusbox/proteusbox/store/filestore"
)

// inspectCmd opens a store read-write (minting an identity is harmless
// if one is never going to be used interactively) and walks every
// session it holds, printing the local identity and each session's
// fingerprints.
func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the identity and sessions held by a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := filestore.Open(storePath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			b, err := box.Open(fs)
			if err != nil {
				return fmt.Errorf("opening box: %w", err)
			}
			fmt.Printf("identity fingerprint: %s\n", b.Fingerprint())

			ids, err := fs.SessionIDs()
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(ids) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, id := range ids {
				sess, err := b.SessionLoad(id)
				if err != nil {
					fmt.Printf("session %q: failed to load: %v\n", id, err)
					continue
				}
				if sess == nil {
					fmt.Printf("session %q: vanished between listing and load\n", id)
					continue
				}
				fmt.Printf("session %q: local=%s remote=%s\n", id, sess.FingerprintLocal(), sess.FingerprintRemote())
				fmt.Println("----------------------------------------")
			}
			return nil
		},
	}
}
