//go:build linux

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessForABIIsMonotonicallyBroader(t *testing.T) {
	v1 := accessForABI(1)
	v2 := accessForABI(2)
	v3 := accessForABI(3)

	assert.Equal(t, v1, v1&v2, "v2 must be a superset of v1")
	assert.Equal(t, v2, v2&v3, "v3 must be a superset of v2")
	assert.NotEqual(t, v1, v3)
}

// Restrict itself is not exercised here: LandlockRestrictSelf applies
// irreversibly to the whole process, so calling it from a unit test
// would sandbox the test binary for every subsequent test in the same
// run. accessForABI, the part with real branching logic, is covered
// above.
