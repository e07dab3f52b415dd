// Package mediatype defines the closed set of MIME types this module
// understands for manifests, configs, and layers. Unlike a general MIME
// parser, an unrecognized value is always an error, never silently
// ignored.
package mediatype

import (
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType is one of the recognized manifest/config/layer content types.
type MediaType string

// The OCI-native values reuse the string constants image-spec already
// exports; the Docker schema2 equivalents have no OCI constant and are
// spelled out literally.
const (
	DockerManifestV2   MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	DockerManifestList MediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	DockerImageV1      MediaType = "application/vnd.docker.container.image.v1+json"
	DockerFSTarGzip    MediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	OCIImageIndex  MediaType = MediaType(ocispec.MediaTypeImageIndex)
	OCIManifestV1  MediaType = MediaType(ocispec.MediaTypeImageManifest)
	OCIConfig      MediaType = MediaType(ocispec.MediaTypeImageConfig)
	OCIFSTar       MediaType = MediaType(ocispec.MediaTypeImageLayer)
	OCIFSTarGzip   MediaType = MediaType(ocispec.MediaTypeImageLayerGzip)
	OCIFSTarZstd   MediaType = MediaType(ocispec.MediaTypeImageLayerZstd)
)

// All lists every recognized media type, in the order the registry
// "Accept" header should list them.
var All = []MediaType{
	DockerManifestList,
	DockerManifestV2,
	DockerImageV1,
	DockerFSTarGzip,
	OCIImageIndex,
	OCIManifestV1,
	OCIConfig,
	OCIFSTar,
	OCIFSTarGzip,
	OCIFSTarZstd,
}

var known = func() map[MediaType]struct{} {
	m := make(map[MediaType]struct{}, len(All))
	for _, mt := range All {
		m[mt] = struct{}{}
	}
	return m
}()

// ErrUnknown is returned by Parse for a value outside the closed set.
type ErrUnknown struct {
	Value string
}

func (e *ErrUnknown) Error() string {
	return fmt.Sprintf("mediatype: unknown media type %q", e.Value)
}

// Parse validates that s is one of the recognized media types.
func Parse(s string) (MediaType, error) {
	mt := MediaType(s)
	if _, ok := known[mt]; !ok {
		return "", &ErrUnknown{Value: s}
	}
	return mt, nil
}

// AcceptHeader returns the comma-joined list of every known media type,
// suitable for the registry request's Accept header.
func AcceptHeader() string {
	out := ""
	for i, mt := range All {
		if i > 0 {
			out += ", "
		}
		out += string(mt)
	}
	return out
}

// IsManifest reports whether mt is a concrete (non-index) manifest.
func IsManifest(mt MediaType) bool {
	return mt == DockerManifestV2 || mt == OCIManifestV1
}

// IsIndex reports whether mt is a manifest list / image index.
func IsIndex(mt MediaType) bool {
	return mt == DockerManifestList || mt == OCIImageIndex
}

// IsLayer reports whether mt is a filesystem layer (tar, gzip, or zstd).
func IsLayer(mt MediaType) bool {
	switch mt {
	case DockerFSTarGzip, OCIFSTar, OCIFSTarGzip, OCIFSTarZstd:
		return true
	default:
		return false
	}
}
