// Package rootfs materializes a resolved manifest's layers onto disk: a
// root-fd-bounded directory handle, tar/whiteout/symlink/hardlink
// extraction, and deferred directory metadata reinstatement. Every
// mutating operation is expressed as an "*at" syscall relative to an
// open directory file descriptor, the way original_source/src/fs.rs's
// Directory does, so a path component resolved outside the target root
// fails at the kernel rather than relying on userspace path math.
package rootfs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Directory is a directory file descriptor used as the base of every
// "*at" call this package makes. It never lets a caller address a path
// outside of what the kernel resolves relative to that fd.
type Directory struct {
	fd int
}

// NewDirectory opens path as a directory handle suitable for use as the
// root of an unpack. The caller owns the returned handle and must Close
// it.
func NewDirectory(path string) (*Directory, error) {
	fd, err := unix.Openat(unix.AT_FDCWD, path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("rootfs: open %s: %w", path, err)
	}
	return &Directory{fd: fd}, nil
}

// Fd returns the underlying directory file descriptor, for *at calls
// this package's other files make directly against d.
func (d *Directory) Fd() int { return d.fd }

// Close releases the directory file descriptor.
func (d *Directory) Close() error {
	return unix.Close(d.fd)
}

// Create opens a new regular file named name directly under d, failing
// if it already exists and refusing to resolve outside of d even via a
// symlink (RESOLVE_BENEATH).
func (d *Directory) Create(name string, mode uint32) (*os.File, error) {
	how := &unix.OpenHow{
		Flags:   unix.O_CREAT | unix.O_EXCL | unix.O_RDWR | unix.O_CLOEXEC,
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_BENEATH,
	}

	fd, err := unix.Openat2(d.fd, name, how)
	if err != nil {
		return nil, fmt.Errorf("rootfs: create %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Subdir creates (if missing) and opens a directory named name directly
// under d, suitable as the separate "rootfs/" extraction root nested
// inside the unpack's overall target directory.
func (d *Directory) Subdir(name string, mode uint32) (*Directory, error) {
	if err := unix.Mkdirat(d.fd, name, mode); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("rootfs: mkdir %s: %w", name, err)
	}

	fd, err := unix.Openat(d.fd, name, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("rootfs: open %s: %w", name, err)
	}
	return &Directory{fd: fd}, nil
}

// Tmpfile opens an unnamed, unlinked regular file inside d, suitable as
// scratch storage for a download whose final name is not known (or not
// wanted) until after extraction.
func (d *Directory) Tmpfile(mode uint32) (*os.File, error) {
	fd, err := unix.Openat(d.fd, ".", unix.O_TMPFILE|unix.O_RDWR|unix.O_EXCL|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, fmt.Errorf("rootfs: tmpfile: %w", err)
	}
	return os.NewFile(uintptr(fd), "tmpfile"), nil
}
