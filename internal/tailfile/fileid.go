package tailfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"logtail/internal/logerr"
)

// FileID identifies the file behind a path. The zero value means the
// filesystem cannot report identities (in-memory filesystems, non-unix).
type FileID struct {
	Dev uint64
	Ino uint64
}

// Known reports whether the identity was resolved.
func (id FileID) Known() bool {
	return id.Ino != 0
}

// Stat returns the size and identity of path. A missing file yields an error
// tagged logerr.ErrNotFound.
func Stat(fs afero.Fs, path string) (int64, FileID, error) {
	info, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, FileID{}, logerr.Wrap(logerr.ErrNotFound, "stat", path, err)
		}
		return 0, FileID{}, logerr.Wrap(logerr.ErrIO, "stat", path, err)
	}
	if info.IsDir() {
		return 0, FileID{}, logerr.Wrap(logerr.ErrInvalidArgument, "stat", fmt.Sprintf("%s is a directory", path), nil)
	}
	return info.Size(), Identify(fs, path), nil
}
