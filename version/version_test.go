package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", Info{Version: "dev", Commit: "none"}.Short())
	assert.Equal(t, "v0.3.0 (abcdef1)", Info{Version: "v0.3.0", Commit: "abcdef123456"}.Short())
}

func TestGetInfoDefaults(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), info.Platform)
}
