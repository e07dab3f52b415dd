package rootfs

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// dirFdCacheSize bounds the LRU of open parent-directory descriptors,
// matching original_source/src/fs.rs's FDS_CACHE.
const dirFdCacheSize = 16

// dirFdCache caches open directory descriptors for paths under root,
// so repeated entries under the same parent (a common case: many files
// in one directory, or consecutive hardlinks) do not re-walk the tree
// on every lookup. Any removal (unlink/rmdir) invalidates the whole
// cache, since a cached fd may reference a now-deleted directory.
type dirFdCache struct {
	root  *Directory
	cache *lru.Cache[string, int]
}

func newDirFdCache(root *Directory) *dirFdCache {
	c, err := lru.NewWithEvict[string, int](dirFdCacheSize, func(_ string, fd int) {
		unix.Close(fd)
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// dirFdCacheSize never is.
		panic(err)
	}
	return &dirFdCache{root: root, cache: c}
}

// get returns a directory descriptor for path (absolute,
// relative-to-root), creating intermediate directories with mode 0755
// if create is true and they are missing.
func (c *dirFdCache) get(path string, create bool) (int, error) {
	if path == "/" || path == "" {
		return c.root.fd, nil
	}

	if fd, ok := c.cache.Get(path); ok {
		return fd, nil
	}

	fd, err := c.openDirectory(path, create)
	if err != nil {
		return -1, err
	}

	c.cache.Add(path, fd)
	return fd, nil
}

// invalidate drops every cached descriptor. Called after any unlink or
// rmdir, since a cached fd may now dangle.
func (c *dirFdCache) invalidate() {
	c.cache.Purge()
}

// openDirectory resolves path relative to root, confined to the root
// by RESOLVE_IN_ROOT so a symlink planted earlier in the same layer
// cannot redirect resolution outside of it. If create is true and a
// component is missing, it (and its ancestors) are created with mode
// 0755, matching original_source's Directory::open_directory.
func (c *dirFdCache) openDirectory(dirPath string, create bool) (int, error) {
	for {
		how := &unix.OpenHow{
			Flags:   unix.O_PATH | unix.O_DIRECTORY | unix.O_CLOEXEC,
			Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS,
		}
		fd, err := unix.Openat2(c.root.fd, strings.TrimPrefix(dirPath, "/"), how)
		if err == nil {
			return fd, nil
		}
		if !create || !errors.Is(err, unix.ENOENT) {
			return -1, fmt.Errorf("rootfs: open directory %s: %w", dirPath, err)
		}

		if err := c.mkdirAllUnder(dirPath); err != nil {
			return -1, err
		}
	}
}

// mkdirAllUnder creates dirPath and every missing ancestor, in order,
// each confined to root by RESOLVE_IN_ROOT via the parent's own fd.
func (c *dirFdCache) mkdirAllUnder(dirPath string) error {
	components := strings.Split(strings.Trim(dirPath, "/"), "/")

	built := ""
	for _, name := range components {
		parent := built
		built += "/" + name

		parentFd, err := c.get(parent, true)
		if err != nil {
			return err
		}

		if err := unix.Mkdirat(parentFd, name, 0o755); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("rootfs: mkdir %s: %w", built, err)
		}
	}
	return nil
}
