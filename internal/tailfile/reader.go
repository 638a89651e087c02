package tailfile

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"logtail/internal/logerr"
)

// Result holds the lines read in one cycle and the cursor that follows them.
type Result struct {
	Lines  []string
	Offset int64
}

// Reader reads newline-terminated lines from files on fs.
type Reader struct {
	fs      afero.Fs
	decoder *Decoder
}

// NewReader returns a reader over fs. A nil decoder passes bytes through as UTF-8.
func NewReader(fs afero.Fs, decoder *Decoder) *Reader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Reader{fs: fs, decoder: decoder}
}

// FS exposes the filesystem the reader operates on.
func (r *Reader) FS() afero.Fs {
	return r.fs
}

// ReadLines returns every complete line stored after offset.
func (r *Reader) ReadLines(path string, offset int64) (Result, error) {
	result := Result{Offset: offset}
	next, err := r.Scan(path, offset, -1, func(line string, _ int64) bool {
		result.Lines = append(result.Lines, line)
		return true
	})
	result.Offset = next
	return result, err
}

// Scan calls fn for each complete line that starts at or after offset and
// ends at or before limit (a negative limit means end of file). fn receives
// the offset just past the line; returning false stops the scan. Scan
// returns the offset after the last line handed to fn.
func (r *Reader) Scan(path string, offset, limit int64, fn func(line string, end int64) bool) (int64, error) {
	file, err := r.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return offset, logerr.Wrap(logerr.ErrIO, "read", "file vanished: "+path, err)
		}
		return offset, logerr.Wrap(logerr.ErrIO, "open", path, err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, logerr.Wrap(logerr.ErrIO, "seek", path, err)
	}

	br := bufio.NewReaderSize(file, 64*1024)
	pos := offset
	for {
		if limit >= 0 && pos >= limit {
			return pos, nil
		}
		raw, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// raw holds an unterminated tail; it is re-read once completed.
				return pos, nil
			}
			return pos, logerr.Wrap(logerr.ErrIO, "read", path, err)
		}
		end := pos + int64(len(raw))
		if limit >= 0 && end > limit {
			return pos, nil
		}
		pos = end
		if !fn(r.decoder.String(trimEOL(raw)), end) {
			return pos, nil
		}
	}
}

func trimEOL(raw string) string {
	raw = strings.TrimSuffix(raw, "\n")
	return strings.TrimSuffix(raw, "\r")
}
