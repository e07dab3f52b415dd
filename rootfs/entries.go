package rootfs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"golang.org/x/sys/unix"
)

// applyDir creates a directory for a tar directory entry and records
// its metadata for the deferred applier. An existing directory at the
// same path is tolerated (a later layer re-declaring an intermediate
// directory is routine); an existing non-directory is not.
func (e *Extractor) applyDir(parent, name string, header *tar.Header) error {
	parentFd, err := e.dirs.get(parent, true)
	if err != nil {
		return err
	}

	full := path.Join(parent, name)

	if err := unix.Mkdirat(parentFd, name, entryFileMode); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("rootfs: mkdir %s: %w", full, err)
		}

		var st unix.Stat_t
		if statErr := unix.Fstatat(parentFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); statErr != nil {
			return fmt.Errorf("rootfs: stat %s: %w", full, statErr)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return fmt.Errorf("rootfs: %s: %w", full, unix.EEXIST)
		}
	}

	e.metadata[full] = pendingMetadata{
		mode:  uint32(header.Mode) & 0o7777,
		uid:   header.Uid,
		gid:   header.Gid,
		mtime: header.ModTime.Unix(),
	}
	return nil
}

// applyRegular creates a regular file, copies its body, and stamps
// owner/mtime immediately (regular files are not deferred — only
// directory metadata is, since later entries never recreate a file
// in place the way a directory can be re-declared).
func (e *Extractor) applyRegular(parent, name string, header *tar.Header, body io.Reader) error {
	parentFd, err := e.dirs.get(parent, true)
	if err != nil {
		return err
	}
	full := path.Join(parent, name)

	mode := uint32(header.Mode) & 0o7777

	file, err := e.createRegularWithRetry(parentFd, full, name, mode)
	if err != nil {
		return fmt.Errorf("rootfs: create %s: %w", full, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("rootfs: write %s: %w", full, err)
	}

	changeOwner(parentFd, name, header.Uid, header.Gid, mode)

	if err := setTimes(parentFd, name, header.ModTime.Unix(), false); err != nil {
		return fmt.Errorf("rootfs: utimes %s: %w", full, err)
	}
	return nil
}

// createRegularWithRetry opens name under parentFd with CREATE|EXCL,
// deleting and retrying once on EEXIST — the entry this layer declares
// wins over whatever a previous layer left in its place. If what is
// deleted was itself a directory, its deferred-metadata entry is
// dropped so it is never re-stamped onto the file that replaces it.
func (e *Extractor) createRegularWithRetry(parentFd int, full, name string, mode uint32) (*os.File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		how := &unix.OpenHow{
			Flags:   unix.O_CREAT | unix.O_EXCL | unix.O_WRONLY | unix.O_CLOEXEC,
			Mode:    uint64(mode),
			Resolve: unix.RESOLVE_BENEATH,
		}
		fd, err := unix.Openat2(parentFd, name, how)
		if err == nil {
			return os.NewFile(uintptr(fd), name), nil
		}
		if !errors.Is(err, unix.EEXIST) || attempt == 1 {
			return nil, err
		}

		var st unix.Stat_t
		if statErr := unix.Fstatat(parentFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); statErr != nil {
			return nil, statErr
		}

		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			if rmErr := removeRecursive(parentFd, name); rmErr != nil {
				return nil, rmErr
			}
			delete(e.metadata, full)
		} else if rmErr := unix.Unlinkat(parentFd, name, 0); rmErr != nil && !errors.Is(rmErr, unix.ENOENT) {
			return nil, rmErr
		}
	}
	return nil, unix.EEXIST
}

// applySymlink creates a symlink, then stamps its owner/mtime
// (SYMLINK_NOFOLLOW, since following would touch the link's target).
func (e *Extractor) applySymlink(parent, name string, header *tar.Header) error {
	parentFd, err := e.dirs.get(parent, true)
	if err != nil {
		return err
	}
	full := path.Join(parent, name)

	if err := unix.Symlinkat(header.Linkname, parentFd, name); err != nil {
		if errors.Is(err, unix.EEXIST) {
			if rmErr := unix.Unlinkat(parentFd, name, 0); rmErr != nil {
				return fmt.Errorf("rootfs: replace symlink %s: %w", full, rmErr)
			}
			if err := unix.Symlinkat(header.Linkname, parentFd, name); err != nil {
				return fmt.Errorf("rootfs: symlink %s: %w", full, err)
			}
		} else {
			return fmt.Errorf("rootfs: symlink %s: %w", full, err)
		}
	}

	changeOwner(parentFd, name, header.Uid, header.Gid, 0)
	_ = setTimes(parentFd, name, header.ModTime.Unix(), false)
	return nil
}

// applyHardlink resolves the link's source path inside the target
// root (never the host root) and links it to the new name, retrying
// once on EEXIST.
func (e *Extractor) applyHardlink(parent, name string, header *tar.Header) error {
	parentFd, err := e.dirs.get(parent, true)
	if err != nil {
		return err
	}
	full := path.Join(parent, name)

	sourceParent, sourceName, err := normalizePath(header.Linkname)
	if err != nil {
		return err
	}
	sourceParentFd, err := e.hardlinkSources.get(sourceParent, false)
	if err != nil {
		return fmt.Errorf("rootfs: hardlink source %s: %w", header.Linkname, err)
	}

	link := func() error {
		return unix.Linkat(sourceParentFd, sourceName, parentFd, name, 0)
	}

	if err := link(); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("rootfs: link %s: %w", full, err)
		}
		if rmErr := unix.Unlinkat(parentFd, name, 0); rmErr != nil {
			return fmt.Errorf("rootfs: replace %s: %w", full, rmErr)
		}
		if err := link(); err != nil {
			return fmt.Errorf("rootfs: link %s: %w", full, err)
		}
	}
	return nil
}

// changeOwner applies fchownat best-effort; failure is swallowed, the
// way an unprivileged extractor cannot set arbitrary owners. If the
// chown succeeds and mode carries a SUID/SGID/sticky bit, the mode is
// restored afterward (the kernel clears those bits on a successful
// chown), mirroring original_source/src/fs.rs's change_owner.
func changeOwner(parentFd int, name string, uid, gid int, mode uint32) {
	if uid == 0 && gid == 0 {
		return
	}
	if err := unix.Fchownat(parentFd, name, uid, gid, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return
	}
	if mode&0o7000 != 0 {
		_ = unix.Fchmodat(parentFd, name, mode, 0)
	}
}

// setTimes applies utimensat, setting both atime and mtime to the
// entry's mtime (the only timestamp taken from the tar header).
func setTimes(parentFd int, name string, mtimeUnix int64, followSymlink bool) error {
	ts := unix.NsecToTimespec(mtimeUnix * 1e9)
	times := []unix.Timespec{ts, ts}

	flags := unix.AT_SYMLINK_NOFOLLOW
	if followSymlink {
		flags = 0
	}
	return unix.UtimesNanoAt(parentFd, name, times, flags)
}
