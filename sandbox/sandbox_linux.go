//go:build linux

// Package sandbox restricts the process's filesystem write scope to a
// single target directory before any layer entry is written, using the
// Linux Landlock LSM. It is grounded on
// original_source/src/unpacker/mod.rs's sandbox() (a Rust `landlock`
// crate Ruleset built at ABI V3 and restricted to paths beneath the
// target), reimplemented directly over golang.org/x/sys/unix's raw
// Landlock syscalls since no higher-level Go Landlock binding appears
// anywhere in the retrieved corpus.
package sandbox

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Status reports whether the sandbox was installed, and if not, why.
type Status struct {
	Installed bool
	ABI       int
	Reason    string
}

// landlockAccessFSv1, v2 and v3 are the unions of every filesystem
// access right defined through Landlock ABI V1, V2 (adds REFER) and V3
// (adds TRUNCATE); accessForABI picks the one for the running kernel.
const landlockAccessFSv1 = unix.LANDLOCK_ACCESS_FS_EXECUTE |
	unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
	unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
	unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
	unix.LANDLOCK_ACCESS_FS_MAKE_REG |
	unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
	unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_SYM

const landlockAccessFSv2 = landlockAccessFSv1 | unix.LANDLOCK_ACCESS_FS_REFER

const landlockAccessFSv3 = landlockAccessFSv2 | unix.LANDLOCK_ACCESS_FS_TRUNCATE

// Restrict installs a Landlock ruleset permitting every filesystem
// access right, but only beneath target. It must be called before any
// file is created under target. require controls what happens if the
// kernel has no usable Landlock support: true makes this fatal, false
// reports the failure via Status and proceeds unsandboxed.
func Restrict(target string, require bool) (Status, error) {
	abi, err := unix.LandlockGetABIVersion()
	if err != nil || abi < 1 {
		status := Status{Reason: "Landlock unsupported by this kernel"}
		if require {
			return status, fmt.Errorf("sandbox: %s: %w", status.Reason, err)
		}
		return status, nil
	}

	access := accessForABI(abi)

	attr := &unix.LandlockRulesetAttr{Handled_access_fs: access}
	rulesetFd, err := unix.LandlockCreateRuleset(attr, 0)
	if err != nil {
		status := Status{Reason: fmt.Sprintf("create ruleset: %s", err)}
		if require {
			return status, fmt.Errorf("sandbox: %w", err)
		}
		return status, nil
	}
	defer unix.Close(rulesetFd)

	targetFd, err := unix.Open(target, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		status := Status{Reason: fmt.Sprintf("open target: %s", err)}
		if require {
			return status, fmt.Errorf("sandbox: %w", err)
		}
		return status, nil
	}
	defer unix.Close(targetFd)

	pathBeneath := &unix.LandlockPathBeneathAttr{
		Allowed_access: access,
		Parent_fd:      int32(targetFd),
	}

	if err := unix.LandlockAddRule(rulesetFd, unix.LANDLOCK_RULE_PATH_BENEATH, unsafe.Pointer(pathBeneath), 0); err != nil {
		status := Status{Reason: fmt.Sprintf("add rule: %s", err)}
		if require {
			return status, fmt.Errorf("sandbox: %w", err)
		}
		return status, nil
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		status := Status{Reason: fmt.Sprintf("no_new_privs: %s", err)}
		if require {
			return status, fmt.Errorf("sandbox: %w", err)
		}
		return status, nil
	}

	if err := unix.LandlockRestrictSelf(rulesetFd, 0); err != nil {
		status := Status{Reason: fmt.Sprintf("restrict self: %s", err)}
		if require {
			return status, fmt.Errorf("sandbox: %w", err)
		}
		return status, nil
	}

	return Status{Installed: true, ABI: abi}, nil
}

func accessForABI(abi int) uint64 {
	switch {
	case abi >= 3:
		return landlockAccessFSv3
	case abi == 2:
		return landlockAccessFSv2
	default:
		return landlockAccessFSv1
	}
}
