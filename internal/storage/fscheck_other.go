//go:build !darwin && !linux

package storage

// Detection is best effort; platforms without statfs are treated as local.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
