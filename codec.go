package rexd

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// A Codec handles the text encoding that a server was configured
// with.  It decodes exec command strings and side-channel payloads
// coming off the wire, and encodes clipboard text and diagnostic
// lines headed back out.
//
type Codec struct {
	name string
	enc  encoding.Encoding
}

// UTF8 is the default Codec, used whenever no explicit codec has
// been configured.
//
var UTF8 = &Codec{name: "utf-8"}

// LookupCodec resolves an IANA character set name (i.e. "utf-8",
// "shift_jis", "iso-8859-1") into a Codec, via the registry that
// ships with x/text.  Names that the registry does not know, or
// knows but cannot provide an implementation for, are errors.
//
func LookupCodec(name string) (*Codec, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return UTF8, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unrecognized codec '%s': %s", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("codec '%s' is not supported", name)
	}

	return &Codec{name: name, enc: enc}, nil
}

// Name returns the name this Codec was looked up under.
//
func (c *Codec) Name() string {
	return c.name
}

// Decode turns wire bytes into a string, or fails if the bytes
// are not valid in this Codec's encoding.
//
func (c *Codec) Decode(b []byte) (string, error) {
	if c.enc == nil {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("invalid utf-8 sequence")
		}
		return string(b), nil
	}

	s, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("unable to decode %s: %s", c.name, err)
	}
	return string(s), nil
}

// Encode turns a string into wire bytes, or fails if the string
// contains characters this Codec's encoding cannot represent.
//
func (c *Codec) Encode(s string) ([]byte, error) {
	if c.enc == nil {
		return []byte(s), nil
	}

	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unable to encode %s: %s", c.name, err)
	}
	return b, nil
}
