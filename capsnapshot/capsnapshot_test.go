package capsnapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanChownRequiresBothCapabilities(t *testing.T) {
	cases := []struct {
		name      string
		hasChown  bool
		hasFowner bool
		want      bool
	}{
		{"neither", false, false, false},
		{"chown only", true, false, false},
		{"fowner only", false, true, false},
		{"both", true, true, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := Snapshot{hasChown: c.hasChown, hasFowner: c.hasFowner}
			assert.Equal(t, c.want, s.CanChown())
		})
	}
}
