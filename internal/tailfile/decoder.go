package tailfile

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"logtail/internal/logerr"
)

// Decoder converts raw log bytes in a configured charset to UTF-8.
type Decoder struct {
	name string
	enc  encoding.Encoding
}

// NewDecoder resolves charset by its WHATWG label ("utf-8", "latin1",
// "windows-1252", "shift_jis", ...). UTF-8 and blank labels return nil, which
// passes lines through untouched. Charsets that do not store ASCII, and the
// newline in particular, as single bytes (utf-16le, utf-16be, replacement)
// are rejected because lines are split on the raw '\n' byte.
func NewDecoder(charset string) (*Decoder, error) {
	label := strings.ToLower(strings.TrimSpace(charset))
	if label == "" || label == "utf-8" || label == "utf8" {
		return nil, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, logerr.Wrap(logerr.ErrInvalidArgument, "charset", label, err)
	}
	name, _ := htmlindex.Name(enc)
	if name == "utf-8" {
		return nil, nil
	}
	if !asciiCompatible(enc) {
		return nil, logerr.Wrap(logerr.ErrInvalidArgument, "charset", name+" is not ASCII compatible", nil)
	}
	return &Decoder{name: name, enc: enc}, nil
}

func asciiCompatible(enc encoding.Encoding) bool {
	const sample = "level=INFO [0-9] ok\r\n"
	decoded, err := enc.NewDecoder().String(sample)
	if err != nil || decoded != sample {
		return false
	}
	encoded, err := enc.NewEncoder().String(sample)
	return err == nil && encoded == sample
}

// Name returns the canonical charset name.
func (d *Decoder) Name() string {
	if d == nil {
		return "utf-8"
	}
	return d.name
}

// String decodes s. Undecodable input is returned unchanged.
func (d *Decoder) String(s string) string {
	if d == nil || d.enc == nil {
		return s
	}
	// encoding.Decoder carries transform state; one per call keeps this goroutine-safe.
	out, err := d.enc.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
