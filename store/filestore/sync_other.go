//go:build !unix

package filestore

// syncDir is a no-op on platforms without a directory fsync primitive.
func syncDir(path string) error { return nil }
