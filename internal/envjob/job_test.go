package envjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstallEnvSetsCacheDir(t *testing.T) {
	env := installEnv("/tmp/pip-cache")
	found := false
	for _, kv := range env {
		if kv == "UV_CACHE_DIR=/tmp/pip-cache" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunCaptureTextTrimsOutput(t *testing.T) {
	out := runCaptureText("echo", "  hello  ")
	assert.Equal(t, "hello", out)
}
