package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/config"
	"github.com/vk/cubegrid/internal/testutil"
)

// SetupAppTest creates an app on the given backend options with debug
// logging captured in a buffer. Set CUBEGRID_TEST_LOGS=true to print the
// logs of each test.
func SetupAppTest(t *testing.T, opts ...Option) (*App, *testutil.SafeBuffer) {
	t.Helper()

	v := config.New()
	v.Set(config.KeyDebug, true)
	v.Set(config.KeyThreads, 2)
	settings, err := config.Load(v, "")
	require.NoError(t, err)

	logBuffer := &testutil.SafeBuffer{}
	testApp := New(logBuffer, settings, opts...)

	t.Cleanup(func() {
		if os.Getenv("CUBEGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})
	return testApp, logBuffer
}
