package rootfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// ApplyDeferred reinstates every recorded directory's mode, owner, and
// mtime, child-first (deepest path-component depth first, then by path
// for a stable order), so that setting a parent's mtime never gets
// clobbered by a child entry created afterward. fchownat failures are
// always swallowed (an unprivileged extractor cannot set arbitrary
// owners); callers that want to know this in advance should consult a
// capability snapshot themselves before calling ApplyDeferred, purely
// to decide whether to log a heads-up — it changes no behavior here.
func (e *Extractor) ApplyDeferred() error {
	paths := make([]string, 0, len(e.metadata))
	for p := range e.metadata {
		paths = append(paths, p)
	}

	sort.Slice(paths, func(i, j int) bool {
		di, dj := depth(paths[i]), depth(paths[j])
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})

	for _, full := range paths {
		meta := e.metadata[full]

		parent, name := splitPath(full)
		parentFd, err := e.dirs.get(parent, false)
		if err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return fmt.Errorf("rootfs: deferred metadata %s: %w", full, err)
		}

		unix.Fchownat(parentFd, name, meta.uid, meta.gid, unix.AT_SYMLINK_NOFOLLOW)

		if err := unix.Fchmodat(parentFd, name, meta.mode, 0); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return fmt.Errorf("rootfs: chmod %s: %w", full, err)
		}

		ts := unix.NsecToTimespec(meta.mtime * 1e9)
		if err := unix.UtimesNanoAt(parentFd, name, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return fmt.Errorf("rootfs: utimes %s: %w", full, err)
		}
	}
	return nil
}

func depth(p string) int {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "/") + 1
}

func splitPath(full string) (parent, name string) {
	idx := strings.LastIndex(full, "/")
	if idx <= 0 {
		return "/", full[idx+1:]
	}
	return full[:idx], full[idx+1:]
}
