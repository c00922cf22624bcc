package commands

import (
	"github.com/spf13/cobra"
)

// storePath is shared by every sub-command that needs to open a Box.
var storePath string

// Execute builds and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "proteusbox-debug",
		Short: "Inspect proteusbox stores and wire messages",
	}

	root.PersistentFlags().StringVar(
		&storePath,
		"path",
		".",
		"root directory of the store to inspect",
	)

	root.AddCommand(
		prettifyCmd(),
		inspectCmd(),
		decryptCmd(),
		newSessionCmd(),
	)

	return root.Execute()
}
