package tailfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"logtail/internal/logerr"
)

func appendString(t *testing.T, fs afero.Fs, path, s string) {
	t.Helper()
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
	_ = f.Close()
}

func TestReadLinesHoldsBackPartialLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewReader(fs, nil)
	appendString(t, fs, "/app.log", "A\nB\npart")

	res, err := r.ReadLines("/app.log", 0)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if strings.Join(res.Lines, ",") != "A,B" {
		t.Fatalf("unexpected lines: %#v", res.Lines)
	}
	if res.Offset != 4 {
		t.Fatalf("offset = %d, want 4", res.Offset)
	}

	appendString(t, fs, "/app.log", "ial\r\nC\n")
	res, err = r.ReadLines("/app.log", res.Offset)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if strings.Join(res.Lines, ",") != "partial,C" {
		t.Fatalf("unexpected lines after completion: %#v", res.Lines)
	}
	if res.Offset != int64(len("A\nB\npartial\r\nC\n")) {
		t.Fatalf("offset = %d", res.Offset)
	}
}

func TestReadLinesNeverRepeatsRanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewReader(fs, nil)
	var all []string
	offset := int64(0)
	chunks := []string{"one\ntw", "o\nthr", "ee\n", "", "four\nfive\n"}
	for _, chunk := range chunks {
		appendString(t, fs, "/x.log", chunk)
		res, err := r.ReadLines("/x.log", offset)
		if err != nil {
			t.Fatalf("ReadLines: %v", err)
		}
		all = append(all, res.Lines...)
		offset = res.Offset
	}
	if strings.Join(all, ",") != "one,two,three,four,five" {
		t.Fatalf("unexpected sequence: %#v", all)
	}
}

func TestReadLinesVanishedFile(t *testing.T) {
	r := NewReader(afero.NewMemMapFs(), nil)
	_, err := r.ReadLines("/missing.log", 0)
	if !errors.Is(err, logerr.ErrIO) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected io error wrapping not-exist, got %v", err)
	}
}

func TestScanRespectsLimitAndStop(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewReader(fs, nil)
	appendString(t, fs, "/s.log", "aa\nbb\ncc\ndd\n")

	var got []string
	next, err := r.Scan("/s.log", 0, 6, func(line string, _ int64) bool {
		got = append(got, line)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if strings.Join(got, ",") != "aa,bb" || next != 6 {
		t.Fatalf("limit scan got %#v next=%d", got, next)
	}

	got = nil
	next, err = r.Scan("/s.log", 3, -1, func(line string, end int64) bool {
		got = append(got, line)
		return end < 9
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if strings.Join(got, ",") != "bb,cc" || next != 9 {
		t.Fatalf("stopped scan got %#v next=%d", got, next)
	}
}

func TestStatAndIdentityOnDisk(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	size, id, err := Stat(fs, path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != 6 {
		t.Fatalf("size = %d", size)
	}

	tmp := filepath.Join(dir, "app.log.new")
	if err := os.WriteFile(tmp, []byte("replacement content\n"), 0o644); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	_, id2, err := Stat(fs, path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if id.Known() && id2.Known() && id == id2 {
		t.Fatalf("expected replaced file to report a new identity: %+v", id)
	}

	if _, _, err := Stat(fs, filepath.Join(dir, "nope.log")); !errors.Is(err, logerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := Stat(fs, dir); !errors.Is(err, logerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for directory, got %v", err)
	}
}

func TestDecoderLatin1(t *testing.T) {
	dec, err := NewDecoder("latin1")
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if dec.Name() != "windows-1252" {
		t.Fatalf("unexpected canonical name %q", dec.Name())
	}
	fs := afero.NewMemMapFs()
	appendString(t, fs, "/l.log", "sess\xe3o iniciada\n")
	res, err := NewReader(fs, dec).ReadLines("/l.log", 0)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "sessão iniciada" {
		t.Fatalf("unexpected decoded lines: %#v", res.Lines)
	}

	if d, err := NewDecoder("UTF-8"); err != nil || d != nil {
		t.Fatalf("expected passthrough decoder for utf-8, got %v %v", d, err)
	}
	if _, err := NewDecoder("klingon"); !errors.Is(err, logerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid charset error, got %v", err)
	}
}

func TestDecoderRejectsCharsetsWithoutASCIINewline(t *testing.T) {
	for _, label := range []string{"utf-16le", "utf-16be", "UTF-16", "iso-2022-kr"} {
		if _, err := NewDecoder(label); !errors.Is(err, logerr.ErrInvalidArgument) {
			t.Errorf("NewDecoder(%q) err = %v, want invalid argument", label, err)
		}
	}
	for _, label := range []string{"latin1", "windows-1252", "shift_jis", "gbk", "euc-kr"} {
		if d, err := NewDecoder(label); err != nil || d == nil {
			t.Errorf("NewDecoder(%q) = %v, %v; want a decoder", label, d, err)
		}
	}
}
