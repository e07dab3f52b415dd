// Package manifest resolves an image reference to a concrete manifest
// (config + ordered layers), following a manifest index/list down to the
// entry matching the requested architecture and OS.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/labtable/oci-unpack-go/digestverify"
	"github.com/labtable/oci-unpack-go/mediatype"
	"github.com/labtable/oci-unpack-go/reference"
)

// Blob describes one content-addressed object referenced by a manifest:
// the config, or one layer.
type Blob struct {
	MediaType mediatype.MediaType
	Digest    digestverify.Digest
	Size      int64
}

// Manifest is a resolved (config, ordered layers) pair, ready to be
// downloaded and extracted.
type Manifest struct {
	Config Blob
	Layers []Blob
}

// Client abstracts the registry GET used to fetch manifests. It matches
// ociclient.Client.Get's signature directly so the real client can be
// passed without an adapter.
type Client interface {
	Get(path string, accept string) (*http.Response, error)
}

// ErrMissingContentType is fatal: the registry responded without a
// recognized Content-Type.
var ErrMissingContentType = fmt.Errorf("manifest: missing or invalid Content-Type")

// ErrMissingArchitecture is fatal: a manifest index has no entry matching
// the requested (architecture, os) pair.
var ErrMissingArchitecture = fmt.Errorf("manifest: no image for the requested architecture")

// ErrUnexpectedContentType is fatal: the registry responded with a
// recognized-but-wrong-for-this-step Content-Type (e.g. an index where a
// concrete manifest was expected, or vice versa).
type ErrUnexpectedContentType struct {
	MediaType mediatype.MediaType
}

func (e *ErrUnexpectedContentType) Error() string {
	return fmt.Sprintf("manifest: unexpected content type %q", e.MediaType)
}

// Resolve fetches the manifest for ref, following manifest index/list
// indirections (no fixed maximum) to the entry matching architecture/os
// until a concrete manifest is returned.
// Empty architecture/os default to the running host's GOARCH/GOOS.
func Resolve(client Client, ref reference.Reference, architecture, os string) (Manifest, error) {
	if architecture == "" {
		architecture = defaultArch()
	}
	if os == "" {
		os = runtime.GOOS
	}

	accept := mediatype.AcceptHeader()

	locator := ref.Tag
	var locatorDigest *digestverify.Digest
	if ref.Digest != nil {
		locatorDigest = ref.Digest
		locator = ref.Digest.Source()
	}

	for {
		resp, err := client.Get("manifests/"+locator, accept)
		if err != nil {
			return Manifest{}, err
		}

		contentType, err := mediatype.Parse(resp.Header.Get("Content-Type"))
		if err != nil {
			resp.Body.Close()
			return Manifest{}, ErrMissingContentType
		}

		body := resp.Body
		var reader io.Reader = body
		if locatorDigest != nil {
			reader = digestverify.WrapReader(*locatorDigest, body)
		}

		switch {
		case mediatype.IsIndex(contentType):
			digest, err := resolveIndexEntry(reader, architecture, os)
			body.Close()
			if err != nil {
				return Manifest{}, err
			}
			locator = digest.Source()
			locatorDigest = &digest

		case mediatype.IsManifest(contentType):
			m, err := decodeManifest(reader)
			body.Close()
			if err != nil {
				return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
			}
			return m, nil

		default:
			body.Close()
			return Manifest{}, &ErrUnexpectedContentType{MediaType: contentType}
		}
	}
}

func defaultArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	case "amd64":
		return "amd64"
	case "riscv64":
		return "riscv64"
	default:
		return runtime.GOARCH
	}
}

// resolveIndexEntry decodes a manifest list / image index and returns the
// digest of the first entry matching architecture/os.
func resolveIndexEntry(r io.Reader, architecture, os string) (digestverify.Digest, error) {
	var index ocispec.Index
	if err := json.NewDecoder(r).Decode(&index); err != nil {
		return digestverify.Digest{}, fmt.Errorf("manifest: decode index: %w", err)
	}

	for _, entry := range index.Manifests {
		if entry.Platform == nil {
			continue
		}
		if entry.Platform.Architecture == architecture && entry.Platform.OS == os {
			return digestverify.Parse(string(entry.Digest))
		}
	}

	return digestverify.Digest{}, ErrMissingArchitecture
}

// manifestJSON mirrors the OCI/Docker manifest wire shape (they are
// field-compatible): a config descriptor plus an ordered layer list.
type manifestJSON struct {
	Config ocispec.Descriptor   `json:"config"`
	Layers []ocispec.Descriptor `json:"layers"`
}

func decodeManifest(r io.Reader) (Manifest, error) {
	var raw manifestJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Manifest{}, err
	}

	config, err := toBlob(raw.Config)
	if err != nil {
		return Manifest{}, fmt.Errorf("config: %w", err)
	}

	layers := make([]Blob, 0, len(raw.Layers))
	for i, l := range raw.Layers {
		blob, err := toBlob(l)
		if err != nil {
			return Manifest{}, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, blob)
	}

	return Manifest{Config: config, Layers: layers}, nil
}

func toBlob(d ocispec.Descriptor) (Blob, error) {
	mt, err := mediatype.Parse(d.MediaType)
	if err != nil {
		return Blob{}, err
	}

	digest, err := digestverify.Parse(string(d.Digest))
	if err != nil {
		return Blob{}, err
	}

	return Blob{MediaType: mt, Digest: digest, Size: d.Size}, nil
}
