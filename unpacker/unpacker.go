// Package unpacker wires the registry client, manifest resolver, blob
// fetcher pool, layer extractor, and filesystem sandbox together behind
// a single Unpack entry point. It is grounded on
// original_source/src/unpacker/mod.rs's unpack/check_empty_dir, the
// module this port's package layout otherwise mirrors 1:1.
package unpacker

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"syscall"

	"github.com/labtable/oci-unpack-go/blobpool"
	"github.com/labtable/oci-unpack-go/capsnapshot"
	"github.com/labtable/oci-unpack-go/manifest"
	"github.com/labtable/oci-unpack-go/ociclient"
	"github.com/labtable/oci-unpack-go/reference"
	"github.com/labtable/oci-unpack-go/rootfs"
	"github.com/labtable/oci-unpack-go/sandbox"
)

// rootfsDirName is the subdirectory under target that receives the
// extracted filesystem; config.json sits beside it, directly in
// target, per the on-disk layout this module exposes.
const rootfsDirName = "rootfs"

// Sentinel errors re-exported from the packages that originate them, so
// a caller needs only this package to check every documented failure
// mode with errors.Is.
var (
	ErrInterrupted         = blobpool.ErrInterrupted
	ErrMissingContentType  = manifest.ErrMissingContentType
	ErrMissingArchitecture = manifest.ErrMissingArchitecture
	ErrPathEscape          = rootfs.ErrPathEscape
)

// PathError wraps an error with the filesystem path that triggered it,
// the way the corpus's google/go-containerregistry and
// danielloader/oci-pull-through enrich I/O errors with context instead
// of inventing a bespoke error-code type.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("unpacker: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// EventHandler receives notifications throughout an Unpack call. Every
// method is optional; embed NoopEventHandler to satisfy the interface
// with no-ops for whichever subset a caller does not care about.
type EventHandler interface {
	RegistryRequest(url string)
	RegistryAuth(url string)
	DownloadStart(layerCount int, totalBytes int64)
	DownloadProgressBytes(n int)
	LayerStart(archiveLen int64)
	LayerProgress(position int64)
	LayerEntrySkipped(path, cause string)
	Finished()
	SandboxStatus(status sandbox.Status)
}

// NoopEventHandler implements EventHandler with no-op methods.
type NoopEventHandler struct{}

func (NoopEventHandler) RegistryRequest(string)            {}
func (NoopEventHandler) RegistryAuth(string)               {}
func (NoopEventHandler) DownloadStart(int, int64)          {}
func (NoopEventHandler) DownloadProgressBytes(int)         {}
func (NoopEventHandler) LayerStart(int64)                  {}
func (NoopEventHandler) LayerProgress(int64)               {}
func (NoopEventHandler) LayerEntrySkipped(string, string)  {}
func (NoopEventHandler) Finished()                         {}
func (NoopEventHandler) SandboxStatus(sandbox.Status)      {}

// Options configures a call to Unpack.
type Options struct {
	// Architecture and OS select a manifest-list entry; both default to
	// the host's own (runtime.GOARCH, runtime.GOOS) when empty.
	Architecture string
	OS           string

	// RequireSandbox makes a failure to install the Landlock sandbox
	// fatal instead of merely reported.
	RequireSandbox bool

	// HTTPClient is the transport ociclient.Client issues requests
	// over. A nil value uses http.DefaultClient.
	HTTPClient *http.Client
}

// Unpack downloads the image identified by ref and materializes its
// root filesystem under target. target is created if missing; if it
// already exists it must be empty.
func Unpack(ref reference.Reference, target string, handler EventHandler, opts Options) (err error) {
	if handler == nil {
		handler = NoopEventHandler{}
	}

	if err := checkEmptyDir(target); err != nil {
		return &PathError{Op: "prepare target", Path: target, Err: err}
	}

	client := ociclient.New(ref, handler, opts.HTTPClient)

	architecture := opts.Architecture
	if architecture == "" {
		architecture = runtime.GOARCH
	}
	goos := opts.OS
	if goos == "" {
		goos = runtime.GOOS
	}

	man, err := manifest.Resolve(client, ref, architecture, goos)
	if err != nil {
		return err
	}

	// The sandbox is installed after the manifest fetch (so DNS/TLS
	// trust stores remain reachable) but before any target file is
	// created.
	status, sandboxErr := sandbox.Restrict(target, opts.RequireSandbox)
	handler.SandboxStatus(status)
	if sandboxErr != nil {
		return sandboxErr
	}

	caps, capErr := capsnapshot.Take()
	if capErr == nil && !caps.CanChown() {
		handler.LayerEntrySkipped(target, "running without CAP_CHOWN/CAP_FOWNER: owner/mode restoration during unpack will be partial")
	}

	root, err := rootfs.NewDirectory(target)
	if err != nil {
		return &PathError{Op: "open target", Path: target, Err: err}
	}
	defer root.Close()

	rootfsRoot, err := root.Subdir(rootfsDirName, 0o755)
	if err != nil {
		return &PathError{Op: "create rootfs", Path: target, Err: err}
	}

	extractor := rootfs.NewExtractor(rootfsRoot, handler)
	defer extractor.Close()

	// The process umask is process-wide state; it is owned by this
	// call for its entire duration, covering both the download and
	// extraction stages, and restored unconditionally on return.
	oldUmask := syscall.Umask(0)
	defer syscall.Umask(oldUmask)

	consume := func(blob manifest.Blob, isConfig bool, file *os.File) error {
		defer file.Close()

		if isConfig {
			return nil
		}

		info, statErr := file.Stat()
		if statErr != nil {
			return &PathError{Op: "stat layer", Path: blob.Digest.String(), Err: statErr}
		}

		return extractor.ExtractLayer(blob.MediaType, info.Size(), file)
	}

	if err := blobpool.Fetch(client, root, man, handler, consume); err != nil {
		return err
	}

	if err := extractor.ApplyDeferred(); err != nil {
		return err
	}

	handler.Finished()
	return nil
}

// checkEmptyDir creates target if it does not exist, or fails if it
// exists and is not empty.
func checkEmptyDir(target string) error {
	entries, err := os.ReadDir(target)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(target, 0o755)
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("target directory %s is not empty", target)
	}
	return nil
}
