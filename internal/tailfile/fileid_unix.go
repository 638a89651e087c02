//go:build unix

package tailfile

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Identify returns the device and inode behind path on the OS filesystem.
// Other filesystems report the zero FileID.
func Identify(fs afero.Fs, path string) FileID {
	if _, ok := fs.(*afero.OsFs); !ok {
		return FileID{}
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileID{}
	}
	return FileID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}
