package unpacker

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labtable/oci-unpack-go/digestverify"
	"github.com/labtable/oci-unpack-go/reference"
)

func TestCheckEmptyDirCreatesMissing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")

	require.NoError(t, checkEmptyDir(target))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCheckEmptyDirAcceptsExistingEmpty(t *testing.T) {
	target := t.TempDir()
	assert.NoError(t, checkEmptyDir(target))
}

func TestCheckEmptyDirRejectsNonEmpty(t *testing.T) {
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "stray"), []byte("x"), 0o644))

	err := checkEmptyDir(target)
	assert.Error(t, err)
}

func TestPathErrorUnwrapsAndFormats(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := &PathError{Op: "open target", Path: "/some/path", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.True(t, strings.Contains(err.Error(), "/some/path"))
	assert.True(t, strings.Contains(err.Error(), "open target"))
}

func TestUnpackRejectsNonEmptyTarget(t *testing.T) {
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "stray"), []byte("x"), 0o644))

	dig, err := digestverify.Parse("sha256:" + strings.Repeat("a", 64))
	require.NoError(t, err)

	ref := reference.Reference{Registry: "example.test", Repository: "lib/app", Tag: "latest", Digest: &dig}

	err = Unpack(ref, target, nil, Options{HTTPClient: &http.Client{}})
	require.Error(t, err)

	var pathErr *PathError
	assert.ErrorAs(t, err, &pathErr)
}

func TestSentinelErrorsAreRexported(t *testing.T) {
	assert.NotNil(t, ErrInterrupted)
	assert.NotNil(t, ErrMissingContentType)
	assert.NotNil(t, ErrMissingArchitecture)
	assert.NotNil(t, ErrPathEscape)
}
