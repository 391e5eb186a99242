package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Empty(t, info.Protocol)
}

func TestWithProtocol(t *testing.T) {
	info := WithProtocol("1.2.0")

	assert.Equal(t, "1.2.0", info.Protocol)
	assert.Equal(t, Version, info.Version)
}
