package rootfs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labtable/oci-unpack-go/mediatype"
)

func newExtractorIn(t *testing.T) (*Extractor, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := NewDirectory(dir)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })
	return NewExtractor(root, nil), dir
}

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func buildTarGzip(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Size:     int64(len(e.body)),
			Mode:     mode,
			ModTime:  time.Unix(1700000000, 0),
			Linkname: e.linkname,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.body) > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractGzippedSingleFile(t *testing.T) {
	e, dir := newExtractorIn(t)

	archive := buildTarGzip(t, []tarEntry{
		{name: "hello.txt", typeflag: tar.TypeReg, body: "hello world"},
	})

	err := e.ExtractLayer(mediatype.DockerFSTarGzip, int64(archive.Len()), archive)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestExtractRejectsPathEscape(t *testing.T) {
	e, _ := newExtractorIn(t)

	archive := buildTarGzip(t, []tarEntry{
		{name: "../../etc/passwd", typeflag: tar.TypeReg, body: "pwned"},
	})

	err := e.ExtractLayer(mediatype.DockerFSTarGzip, int64(archive.Len()), archive)
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestExtractWhiteoutRemovesSibling(t *testing.T) {
	e, dir := newExtractorIn(t)

	first := buildTarGzip(t, []tarEntry{
		{name: "app", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/keep.txt", typeflag: tar.TypeReg, body: "keep"},
		{name: "app/remove.txt", typeflag: tar.TypeReg, body: "gone"},
	})
	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(first.Len()), first))

	second := buildTarGzip(t, []tarEntry{
		{name: "app/.wh.remove.txt", typeflag: tar.TypeReg},
	})
	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(second.Len()), second))

	_, err := os.Stat(filepath.Join(dir, "app", "remove.txt"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "app", "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestExtractOpaqueWhiteoutClearsSubtree(t *testing.T) {
	e, dir := newExtractorIn(t)

	first := buildTarGzip(t, []tarEntry{
		{name: "app", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/a.txt", typeflag: tar.TypeReg, body: "a"},
		{name: "app/b.txt", typeflag: tar.TypeReg, body: "b"},
	})
	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(first.Len()), first))

	second := buildTarGzip(t, []tarEntry{
		{name: "app/.wh..opq", typeflag: tar.TypeReg},
		{name: "app/c.txt", typeflag: tar.TypeReg, body: "c"},
	})
	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(second.Len()), second))

	_, err := os.Stat(filepath.Join(dir, "app", "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "app", "b.txt"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "app", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))

	// The directory itself survives the opaque marker.
	info, err := os.Stat(filepath.Join(dir, "app"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractSymlinkContainment(t *testing.T) {
	e, dir := newExtractorIn(t)

	archive := buildTarGzip(t, []tarEntry{
		{name: "escape", typeflag: tar.TypeSymlink, linkname: "/../../etc"},
		{name: "sibling", typeflag: tar.TypeSymlink, linkname: "hello.txt"},
		{name: "hello.txt", typeflag: tar.TypeReg, body: "hi"},
	})

	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(archive.Len()), archive))

	target, err := os.Readlink(filepath.Join(dir, "escape"))
	require.NoError(t, err)
	assert.Equal(t, "/../../etc", target)

	resolved, err := filepath.EvalSymlinks(filepath.Join(dir, "sibling"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hello.txt"), resolved)
}

// TestExtractSymlinkTraversalThroughPlantedLink replicates spec.md's
// symlink-containment scenario: a relative symlink planted by one tar
// entry walks back out of the root via "..", and a later entry writes a
// regular file through that symlink. Containment must land the file
// inside the root (at dot0/dot1/file) rather than letting the
// previously-planted symlink's ".." components carry the write outside.
func TestExtractSymlinkTraversalThroughPlantedLink(t *testing.T) {
	e, dir := newExtractorIn(t)

	archive := buildTarGzip(t, []tarEntry{
		{name: "dot0/", typeflag: tar.TypeDir},
		{name: "dot0/dot1/", typeflag: tar.TypeDir},
		{name: "dot0/dot2", typeflag: tar.TypeSymlink, linkname: "../../../../../dot0/dot1"},
		{name: "dot0/dot2/file", typeflag: tar.TypeReg, body: "b1"},
	})

	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(archive.Len()), archive))

	data, err := os.ReadFile(filepath.Join(dir, "dot0", "dot1", "file"))
	require.NoError(t, err)
	assert.Equal(t, "b1", string(data))

	_, err = os.Lstat(filepath.Join(dir, "dot0", "dot2", "file"))
	assert.True(t, os.IsNotExist(err))
}

func buildTarZstd(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:    e.name,
			Typeflag: e.typeflag,
			Size:    int64(len(e.body)),
			Mode:    mode,
			ModTime: time.Unix(1700000000, 0),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.body) > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return &buf
}

func TestExtractZstdLayer(t *testing.T) {
	e, dir := newExtractorIn(t)

	archive := buildTarZstd(t, []tarEntry{
		{name: "zstd.txt", typeflag: tar.TypeReg, body: "compressed via zstd"},
	})

	err := e.ExtractLayer(mediatype.OCIFSTarZstd, int64(archive.Len()), archive)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "zstd.txt"))
	require.NoError(t, err)
	assert.Equal(t, "compressed via zstd", string(data))
}

func TestApplyDeferredSetsDirectoryMode(t *testing.T) {
	e, dir := newExtractorIn(t)

	archive := buildTarGzip(t, []tarEntry{
		{name: "strict", typeflag: tar.TypeDir, mode: 0o750},
	})
	require.NoError(t, e.ExtractLayer(mediatype.DockerFSTarGzip, int64(archive.Len()), archive))
	require.NoError(t, e.ApplyDeferred())

	info, err := os.Stat(filepath.Join(dir, "strict"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}
