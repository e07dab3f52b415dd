// Package digestverify validates a streamed blob against an expected
// SHA-256 or SHA-512 digest, failing at EOF if the running hash doesn't
// match.
package digestverify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm is one of the two hash algorithms this module accepts.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) expectedHexLen() int {
	switch a {
	case SHA256:
		return 64
	case SHA512:
		return 128
	default:
		return 0
	}
}

func (a Algorithm) toGoDigest() godigest.Algorithm {
	switch a {
	case SHA256:
		return godigest.SHA256
	case SHA512:
		return godigest.SHA512
	default:
		return ""
	}
}

// Digest is a validated (algorithm, hex value) pair identifying a blob.
type Digest struct {
	algorithm Algorithm
	hex       string
}

// ErrInvalidDigest is returned by Parse when the string is not
// "sha256:<64 hex>" or "sha512:<128 hex>".
type ErrInvalidDigest struct {
	Value string
}

func (e *ErrInvalidDigest) Error() string {
	return fmt.Sprintf("digestverify: invalid digest %q", e.Value)
}

// Parse validates and builds a Digest from its wire form
// "<algorithm>:<hex>".
func Parse(s string) (Digest, error) {
	algStr, hex, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, &ErrInvalidDigest{Value: s}
	}

	alg := Algorithm(algStr)
	expectedLen := alg.expectedHexLen()
	if expectedLen == 0 {
		return Digest{}, &ErrInvalidDigest{Value: s}
	}

	if len(hex) != expectedLen || !isLowerHex(hex) {
		return Digest{}, &ErrInvalidDigest{Value: s}
	}

	return Digest{algorithm: alg, hex: hex}, nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// Algorithm returns the digest's hash algorithm.
func (d Digest) Algorithm() Algorithm { return d.algorithm }

// Hex returns the lowercase hex-encoded hash value.
func (d Digest) Hex() string { return d.hex }

// Source returns the original "<algorithm>:<hex>" form, as used in blob
// download URLs.
func (d Digest) Source() string {
	return fmt.Sprintf("%s:%s", d.algorithm, d.hex)
}

func (d Digest) String() string { return d.Source() }

// UnmarshalJSON allows Digest to be embedded directly in manifest/index
// structs decoded from registry JSON.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ErrMismatch is returned by Reader.Read once the final read reveals a
// hash mismatch; call sites may wrap it with fmt.Errorf's %w.
type ErrMismatch struct {
	Expected string
	Actual   string
}

func (e *ErrMismatch) Error() string {
	return fmt.Sprintf("digestverify: invalid digest, expected %s, got %s", e.Expected, e.Actual)
}

// Reader wraps an io.Reader, feeding every consumed byte into a running
// hash. When the wrapped reader reports io.EOF, it compares the computed
// digest against Expected and surfaces ErrMismatch instead of io.EOF if
// they differ.
//
// The hash itself is computed with the stdlib implementation behind
// go-digest's Algorithm.Hash(), rather than go-digest's own Verifier,
// because Verifier only exposes a boolean match and this module's
// contract requires the mismatch error to name both the expected and the
// actual hex value.
type Reader struct {
	expected Digest
	reader   io.Reader
	hasher   hashWriter
	done     bool
}

type hashWriter interface {
	io.Writer
	Sum(b []byte) []byte
}

// WrapReader returns a Reader that verifies r against expected once fully
// consumed.
func WrapReader(expected Digest, r io.Reader) *Reader {
	return &Reader{
		expected: expected,
		reader:   r,
		hasher:   expected.algorithm.toGoDigest().Hash(),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		// hash.Hash.Write never returns an error.
		_, _ = r.hasher.Write(p[:n])
	}

	if err == io.EOF && !r.done {
		r.done = true
		actual := fmt.Sprintf("%x", r.hasher.Sum(nil))
		if actual != r.expected.hex {
			return n, &ErrMismatch{
				Expected: r.expected.hex,
				Actual:   actual,
			}
		}
	}

	return n, err
}
