package rootfs

import (
	"fmt"
	"strings"
)

// ErrPathEscape is returned by normalizePath for any entry whose path
// contains a ".." component, mirroring original_source/src/fs.rs's
// normalize_path, which refuses to trust such entries the way
// tar::Entry::unpack_in does.
var ErrPathEscape = fmt.Errorf("rootfs: path escapes the archive root")

// normalizePath converts a tar entry name into a (parent, fileName)
// pair suitable for an *at call relative to the root directory. parent
// is always absolute-relative-to-root (starts with "/"); fileName is
// "." if name resolves to the root itself.
func normalizePath(name string) (parent, fileName string, err error) {
	// Walk raw components, exactly as written in the archive entry, and
	// reject any ".." before any cleaning could resolve it away — a
	// path.Clean pass first would silently swallow an escaping "..".
	parts := strings.Split(name, "/")

	var normal []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", "", ErrPathEscape
		default:
			normal = append(normal, p)
		}
	}

	if len(normal) == 0 {
		return "/", ".", nil
	}

	fileName = normal[len(normal)-1]
	parent = "/" + strings.Join(normal[:len(normal)-1], "/")
	return parent, fileName, nil
}
