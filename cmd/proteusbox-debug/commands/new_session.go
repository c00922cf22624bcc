package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/proteusbox/proteusbox/box"
	"github.com/proteusbox/proteusbox/store/filestore"
)

// newSessionCmd initiates a session against a peer's hex-encoded
// prekey bundle and saves it under a generated id, for exercising a
// handshake from the command line without wiring up a real transport.
func newSessionCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "new-session <hex-prekey-bundle>",
		Short: "Start a session against a prekey bundle and save it",
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

			id := sessionID
			if id == "" {
				id = uuid.NewString()
			}
			sess, err := b.SessionFromPreKey(id, raw)
			if err != nil {
				return fmt.Errorf("initiating session: %w", err)
			}
			if err := b.SessionSave(sess); err != nil {
				return fmt.Errorf("saving session: %w", err)
			}
			fmt.Printf("session %q saved, remote fingerprint %s\n", id, sess.FingerprintRemote())
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "id", "", "session id to use (default: a generated uuid)")
	return cmd
}
