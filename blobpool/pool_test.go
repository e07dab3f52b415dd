package blobpool

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labtable/oci-unpack-go/digestverify"
	"github.com/labtable/oci-unpack-go/manifest"
	"github.com/labtable/oci-unpack-go/mediatype"
	"github.com/labtable/oci-unpack-go/rootfs"
)

// fakeDownloader serves a fixed body per digest, regardless of the
// digest's actual correctness (blobpool trusts its Downloader to have
// already verified content; that is ociclient/digestverify's job).
type fakeDownloader struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  int
}

func (f *fakeDownloader) DownloadBlob(digest digestverify.Digest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	body, ok := f.bodies[digest.Source()]
	if !ok {
		return nil, fmt.Errorf("no such blob: %s", digest)
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

func blob(t *testing.T, hexSuffix byte, content string) manifest.Blob {
	t.Helper()
	hex := bytes.Repeat([]byte{'a'}, 63)
	hex = append(hex, hexSuffix)
	d, err := digestverify.Parse("sha256:" + string(hex))
	require.NoError(t, err)
	return manifest.Blob{MediaType: mediatype.DockerFSTarGzip, Digest: d, Size: int64(len(content))}
}

func TestFetchConsumesInManifestOrder(t *testing.T) {
	dir := t.TempDir()
	target, err := rootfs.NewDirectory(dir)
	require.NoError(t, err)
	defer target.Close()

	config := blob(t, '0', "config-bytes")
	layer1 := blob(t, '1', "layer-one")
	layer2 := blob(t, '2', "layer-two")

	downloader := &fakeDownloader{bodies: map[string]string{
		config.Digest.Source(): "config-bytes",
		layer1.Digest.Source(): "layer-one",
		layer2.Digest.Source(): "layer-two",
	}}

	man := manifest.Manifest{Config: config, Layers: []manifest.Blob{layer1, layer2}}

	var order []string
	var configFlags []bool
	err = Fetch(downloader, target, man, nil, func(b manifest.Blob, isConfig bool, f *os.File) error {
		defer f.Close()
		data, readErr := io.ReadAll(f)
		if readErr != nil {
			return readErr
		}
		order = append(order, string(data))
		configFlags = append(configFlags, isConfig)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"config-bytes", "layer-one", "layer-two"}, order)
	assert.Equal(t, []bool{true, false, false}, configFlags)

	configOnDisk, err := os.ReadFile(dir + "/" + configFile)
	require.NoError(t, err)
	assert.Equal(t, "config-bytes", string(configOnDisk))
}

func TestFetchPropagatesDownloadError(t *testing.T) {
	dir := t.TempDir()
	target, err := rootfs.NewDirectory(dir)
	require.NoError(t, err)
	defer target.Close()

	config := blob(t, '0', "config-bytes")
	missingLayer := blob(t, '9', "never-registered")

	downloader := &fakeDownloader{bodies: map[string]string{
		config.Digest.Source(): "config-bytes",
	}}

	man := manifest.Manifest{Config: config, Layers: []manifest.Blob{missingLayer}}

	err = Fetch(downloader, target, man, nil, func(b manifest.Blob, isConfig bool, f *os.File) error {
		f.Close()
		return nil
	})
	assert.Error(t, err)
}
