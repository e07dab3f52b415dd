package rootfs

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/labtable/oci-unpack-go/mediatype"
)

const whiteoutPrefix = ".wh."
const whiteoutOpaque = ".wh..opq"

// entryFileMode is the permission new directories are created with
// during extraction; deferred metadata upgrades it afterward.
const entryFileMode = 0o700

// EventSink receives best-effort notifications while a layer is
// extracted. All methods are optional; embed NoopEventSink to satisfy
// the interface with no-ops.
type EventSink interface {
	LayerStart(archiveLen int64)
	LayerProgress(position int64)
	LayerEntrySkipped(path, cause string)
}

// NoopEventSink implements EventSink with no-op methods.
type NoopEventSink struct{}

func (NoopEventSink) LayerStart(int64) {}
func (NoopEventSink) LayerProgress(int64) {}
func (NoopEventSink) LayerEntrySkipped(string, string) {}

// ErrUnsupportedLayerMediaType is fatal: ExtractLayer was asked to
// decompress a media type it does not recognize as a layer format.
type ErrUnsupportedLayerMediaType struct {
	MediaType mediatype.MediaType
}

func (e *ErrUnsupportedLayerMediaType) Error() string {
	return fmt.Sprintf("rootfs: unsupported layer media type %q", e.MediaType)
}

// Extractor applies layer archives onto a root directory, in manifest
// order, tracking directory metadata to apply once every layer has been
// processed.
type Extractor struct {
	root     *Directory
	dirs     *dirFdCache
	events   EventSink
	metadata map[string]pendingMetadata

	// hardlinkSources caches the parent directory of a hardlink's
	// source path, the way original_source notes "consecutive
	// hardlinks in the same source directory are common".
	hardlinkSources *dirFdCache
}

// NewExtractor builds an Extractor rooted at root.
func NewExtractor(root *Directory, events EventSink) *Extractor {
	if events == nil {
		events = NoopEventSink{}
	}
	return &Extractor{
		root:            root,
		dirs:            newDirFdCache(root),
		events:          events,
		metadata:        make(map[string]pendingMetadata),
		hardlinkSources: newDirFdCache(root),
	}
}

// Close releases every directory descriptor this extractor has opened,
// including the root handle passed to NewExtractor. It does not remove
// any files.
func (e *Extractor) Close() error {
	e.dirs.invalidate()
	e.hardlinkSources.invalidate()
	return e.root.Close()
}

// pendingMetadata is what the deferred metadata applier reinstates on
// a directory after every layer has been extracted.
type pendingMetadata struct {
	mode  uint32
	uid   int
	gid   int
	mtime int64
}

// ExtractLayer decompresses and walks one layer archive, applying its
// entries under e.root. length is the archive's total byte length, used
// only for the event sink's progress percentage.
func (e *Extractor) ExtractLayer(mt mediatype.MediaType, length int64, body io.Reader) error {
	e.events.LayerStart(length)

	counting := &countingReader{r: body}

	decoded, closeDecoder, err := decodeLayer(mt, counting)
	if err != nil {
		return err
	}
	if closeDecoder != nil {
		defer closeDecoder()
	}

	tr := tar.NewReader(decoded)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rootfs: read tar entry: %w", err)
		}

		e.events.LayerProgress(counting.n)

		if err := e.applyEntry(header, tr); err != nil {
			return err
		}
	}
}

func decodeLayer(mt mediatype.MediaType, r io.Reader) (io.Reader, func(), error) {
	switch mt {
	case mediatype.DockerFSTarGzip, mediatype.OCIFSTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("rootfs: gzip: %w", err)
		}
		return gz, func() { gz.Close() }, nil

	case mediatype.OCIFSTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("rootfs: zstd: %w", err)
		}
		return zr, zr.Close, nil

	case mediatype.OCIFSTar:
		return r, nil, nil

	default:
		return nil, nil, &ErrUnsupportedLayerMediaType{MediaType: mt}
	}
}

// countingReader tracks bytes read so far, for layer-progress reporting.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// applyEntry dispatches one tar entry onto the target tree.
func (e *Extractor) applyEntry(header *tar.Header, body io.Reader) error {
	parent, name, err := normalizePath(header.Name)
	if err != nil {
		return err
	}

	if base := path.Base(name); strings.HasPrefix(base, whiteoutPrefix) {
		return e.applyWhiteout(parent, base)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return e.applyDir(parent, name, header)

	case tar.TypeReg, tar.TypeRegA:
		return e.applyRegular(parent, name, header, body)

	case tar.TypeSymlink:
		return e.applySymlink(parent, name, header)

	case tar.TypeLink:
		return e.applyHardlink(parent, name, header)

	default:
		e.events.LayerEntrySkipped(path.Join(parent, name), fmt.Sprintf("entry type %q not supported", header.Typeflag))
		return nil
	}
}

// applyWhiteout handles both the opaque-directory marker (".wh..wh..opq",
// or the bare ".wh..opq") and a regular whiteout, per SPEC_FULL.md §4.5.
// Every removal flushes both directory-descriptor caches.
func (e *Extractor) applyWhiteout(parent, base string) error {
	dirFd, err := e.dirs.get(parent, false)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return err
	}

	if base == whiteoutOpaque || base == whiteoutPrefix+whiteoutOpaque {
		if err := e.removeSubtreeContents(dirFd, parent); err != nil {
			return err
		}
		e.dirs.invalidate()
		e.hardlinkSources.invalidate()
		return nil
	}

	target := strings.TrimPrefix(base, whiteoutPrefix)
	if err := removeRecursive(dirFd, target); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("rootfs: whiteout %s: %w", path.Join(parent, base), err)
	}
	delete(e.metadata, path.Join(parent, target))
	e.dirs.invalidate()
	e.hardlinkSources.invalidate()
	return nil
}

// removeSubtreeContents removes every child of the directory opened at
// dirFd, leaving the directory itself (and dirFd, which this function
// does not own) in place.
func (e *Extractor) removeSubtreeContents(dirFd int, dirPath string) error {
	names, err := readDirNames(dirFd)
	if err != nil {
		return fmt.Errorf("rootfs: read opaque dir %s: %w", dirPath, err)
	}

	for _, name := range names {
		if err := removeRecursive(dirFd, name); err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("rootfs: opaque cleanup %s/%s: %w", dirPath, name, err)
		}
		delete(e.metadata, path.Join(dirPath, name))
	}
	return nil
}

// readDirNames lists the names in the directory referenced by fd
// without taking ownership of it (it operates on a dup'd descriptor).
func readDirNames(fd int) ([]string, error) {
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dupFd), "")
	defer f.Close()
	return f.Readdirnames(-1)
}

// removeRecursive unlinks name under dirFd, recursing into it first if
// it is itself a directory.
func removeRecursive(dirFd int, name string) error {
	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return err
	}

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		childFd, err := unix.Openat(dirFd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return err
		}
		names, err := readDirNames(childFd)
		if err != nil {
			unix.Close(childFd)
			return err
		}
		for _, child := range names {
			if err := removeRecursive(childFd, child); err != nil {
				unix.Close(childFd)
				return err
			}
		}
		unix.Close(childFd)
		return unix.Unlinkat(dirFd, name, unix.AT_REMOVEDIR)
	}

	return unix.Unlinkat(dirFd, name, 0)
}
