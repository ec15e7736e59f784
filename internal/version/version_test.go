package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "1.2.0", "abc123", "2026-03-01"
	assert.Equal(t, "1.2.0 (commit abc123, built 2026-03-01, "+runtime.Version()+")", String())
}
