package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShortName(t *testing.T) {
	ref, err := Parse("alpine")
	require.NoError(t, err)
	assert.Equal(t, "registry-1.docker.io", ref.Registry)
	assert.Equal(t, "library/alpine", ref.Repository)
	assert.Equal(t, "latest", ref.Tag)
	assert.Nil(t, ref.Digest)
}

func TestParseNamespacedName(t *testing.T) {
	ref, err := Parse("foo/bar")
	require.NoError(t, err)
	assert.Equal(t, "registry-1.docker.io", ref.Registry)
	assert.Equal(t, "foo/bar", ref.Repository)
	assert.Equal(t, "latest", ref.Tag)
}

func TestRoundTripCanonicalForm(t *testing.T) {
	const digest = "sha256:" + hex64
	canonical := "example.com:5678/foo/bar:1.2.3@" + digest

	ref, err := Parse(canonical)
	require.NoError(t, err)

	assert.Equal(t, "example.com:5678", ref.Registry)
	assert.Equal(t, "foo/bar", ref.Repository)
	assert.Equal(t, "1.2.3", ref.Tag)
	require.NotNil(t, ref.Digest)
	assert.Equal(t, digest, ref.Digest.Source())

	assert.Equal(t, canonical, ref.String())
}

const hex64 = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
