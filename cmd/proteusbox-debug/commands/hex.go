package commands

import "encoding/hex"

func hexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
