package logging

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForComponent(t *testing.T) {
	t.Run("logger created before Init should write to the file configured later", func(t *testing.T) {
		log := ForComponent(CompLock)

		dir := t.TempDir()
		Init(Config{Dir: dir, Level: "debug"})
		t.Cleanup(Close)

		log.Info("stale_lock_reclaimed", "pid", 4242)
		Close()

		data, err := os.ReadFile(Path(dir))
		require.NoError(t, err)

		line := strings.TrimSpace(string(data))
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "lock", rec["component"])
		assert.Equal(t, "stale_lock_reclaimed", rec["msg"])
		assert.EqualValues(t, 4242, rec["pid"])
	})

	t.Run("level should filter lower records", func(t *testing.T) {
		dir := t.TempDir()
		Init(Config{Dir: dir, Level: "warn", Format: "text"})
		t.Cleanup(Close)

		log := ForComponent(CompRelay).With("turn", 7)
		log.Info("dropped")
		log.Warn("kept")
		Close()

		data, err := os.ReadFile(Path(dir))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "dropped")
		assert.Contains(t, string(data), "kept")
		assert.Contains(t, string(data), "turn=7")
		assert.Contains(t, string(data), "component=relay")
	})
}
