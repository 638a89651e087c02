package query

import (
	"bufio"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"logtail/internal/filter"
	"logtail/internal/logerr"
	"logtail/internal/tailfile"
)

// FileInfo describes a log file offered for browsing.
type FileInfo struct {
	Name               string `json:"name"`
	SizeBytes          int64  `json:"size_bytes"`
	LastModifiedMillis int64  `json:"last_modified_millis"`
	Compressed         bool   `json:"compressed"`
}

// Options configures a Service.
type Options struct {
	Root       string
	Fs         afero.Fs
	Decoder    *tailfile.Decoder
	Extensions []string
	TailLimit  int
}

// Service runs list, tail, search and download queries against one log root.
type Service struct {
	fs         afero.Fs
	root       string
	decoder    *tailfile.Decoder
	extensions []string
	tailLimit  int
}

// NewService builds a query service. Extensions default to ".log" and ".gz".
func NewService(opts Options) *Service {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = []string{".log", ".gz"}
	}
	limit := opts.TailLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		fs:         fs,
		root:       filepath.Clean(opts.Root),
		decoder:    opts.Decoder,
		extensions: exts,
		tailLimit:  limit,
	}
}

// Root returns the directory the service is confined to.
func (s *Service) Root() string { return s.root }

// FS returns the filesystem the service reads from.
func (s *Service) FS() afero.Fs { return s.fs }

// ListFiles returns the regular log files under the root, newest first. A
// missing root yields an empty list.
func (s *Service) ListFiles() ([]FileInfo, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, logerr.Wrap(logerr.ErrIO, "list files", s.root, err)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Mode().IsRegular() || !s.allowed(entry.Name()) {
			continue
		}
		files = append(files, FileInfo{
			Name:               entry.Name(),
			SizeBytes:          entry.Size(),
			LastModifiedMillis: entry.ModTime().UnixMilli(),
			Compressed:         isCompressed(entry.Name()),
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].LastModifiedMillis == files[j].LastModifiedMillis {
			return files[i].Name < files[j].Name
		}
		return files[i].LastModifiedMillis > files[j].LastModifiedMillis
	})
	return files, nil
}

// Page is one slice of the file listing.
type Page struct {
	Files []FileInfo `json:"files"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int        `json:"total"`
}

// ListPage returns the zero-based page of ListFiles holding at most size
// entries. A non-positive size returns the whole listing as page 0.
func (s *Service) ListPage(page, size int) (Page, error) {
	if page < 0 {
		return Page{}, logerr.Wrap(logerr.ErrInvalidArgument, "list files", "page must not be negative", nil)
	}
	files, err := s.ListFiles()
	if err != nil {
		return Page{}, err
	}
	if size <= 0 {
		return Page{Files: files, Size: len(files), Total: len(files)}, nil
	}
	from := min(page*size, len(files))
	to := min(from+size, len(files))
	return Page{Files: files[from:to], Page: page, Size: size, Total: len(files)}, nil
}

// Resolve validates name and returns its path under the root. Traversal
// attempts are rejected before the filesystem is consulted.
func (s *Service) Resolve(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, name)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", logerr.Wrap(logerr.ErrSecurity, "resolve", "path escapes log directory", err)
	}
	return path, nil
}

// ValidateName rejects blank names and names that could leave the log root.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return logerr.Wrap(logerr.ErrInvalidArgument, "validate", "file name is required", nil)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return logerr.Wrap(logerr.ErrSecurity, "validate", "invalid file name "+name, nil)
	}
	return nil
}

// Stat returns the metadata of a single file. Files ListFiles would not show
// are reported as not found.
func (s *Service) Stat(name string) (FileInfo, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return FileInfo{}, err
	}
	if !s.allowed(name) {
		return FileInfo{}, logerr.Wrap(logerr.ErrNotFound, "stat", "file not found: "+name, nil)
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileInfo{}, logerr.Wrap(logerr.ErrNotFound, "stat", "file not found: "+name, err)
		}
		return FileInfo{}, logerr.Wrap(logerr.ErrIO, "stat", name, err)
	}
	if !info.Mode().IsRegular() {
		return FileInfo{}, logerr.Wrap(logerr.ErrNotFound, "stat", "not a regular file: "+name, nil)
	}
	return FileInfo{
		Name:               name,
		SizeBytes:          info.Size(),
		LastModifiedMillis: info.ModTime().UnixMilli(),
		Compressed:         isCompressed(name),
	}, nil
}

// Open returns the raw bytes of name for download. Compressed files are not
// inflated.
func (s *Service) Open(name string) (io.ReadCloser, FileInfo, error) {
	info, err := s.Stat(name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	path, _ := s.Resolve(name)
	file, err := s.fs.Open(path)
	if err != nil {
		return nil, FileInfo{}, logerr.Wrap(logerr.ErrIO, "open", name, err)
	}
	return file, info, nil
}

// Tail returns the last limit lines of name matching pattern, in file order.
// A non-positive limit uses the configured default; a blank pattern matches
// every line.
func (s *Service) Tail(name string, limit int, pattern string) ([]string, error) {
	match, err := filter.Pattern(pattern)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.tailLimit
	}
	window := NewWindow(limit)
	err = s.scan(name, func(line string) bool {
		if match(line) {
			window.Push(line)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return window.Lines(), nil
}

// Search returns the first limit lines of name matching pattern. A blank
// pattern yields no lines; a non-positive limit means no cap.
func (s *Service) Search(name, pattern string, limit int) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		if _, err := s.Stat(name); err != nil {
			return nil, err
		}
		return []string{}, nil
	}
	match, err := filter.Pattern(pattern)
	if err != nil {
		return nil, err
	}
	matches := []string{}
	err = s.scan(name, func(line string) bool {
		if match(line) {
			matches = append(matches, line)
		}
		return limit <= 0 || len(matches) < limit
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (s *Service) scan(name string, fn func(line string) bool) error {
	rc, _, err := s.Open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	var src io.Reader = rc
	if isCompressed(name) {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return logerr.Wrap(logerr.ErrIO, "gunzip", name, err)
		}
		defer gz.Close()
		src = gz
	}

	br := bufio.NewReaderSize(src, 64*1024)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
			if !fn(s.decoder.String(line)) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return logerr.Wrap(logerr.ErrIO, "read", name, err)
		}
	}
}

func (s *Service) allowed(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range s.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isCompressed(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".gz")
}
