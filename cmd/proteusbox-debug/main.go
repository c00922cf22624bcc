// Command proteusbox-debug is a developer tool for inspecting and
// poking at an on-disk Box: decoding raw envelopes, listing the
// sessions under a store, and brute-force decrypting a ciphertext
// against every session that will take it.
package main

import (
	"fmt"
	"os"

	"github.com/proteusbox/proteusbox/cmd/proteusbox-debug/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
