//go:build !unix

package tailfile

import "github.com/spf13/afero"

// Identify returns the device and inode behind path on the OS filesystem.
// Other filesystems report the zero FileID.
func Identify(afero.Fs, string) FileID {
	return FileID{}
}
