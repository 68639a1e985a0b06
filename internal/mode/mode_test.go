package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := map[string]ConnectionMode{
		"streaming":            Streaming,
		"STREAMING":            Streaming,
		"memory_strictly":      Streaming,
		"buffered":             Buffered,
		" CONNECTION_STRICTLY": Buffered,
	}
	for in, want := range tests {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Parse("adaptive")
	assert.Error(t, err)
}

func TestConnections(t *testing.T) {
	assert.Equal(t, 5, Streaming.Connections(5))
	assert.Equal(t, 1, Buffered.Connections(5))
	assert.Equal(t, 0, Buffered.Connections(0))
}

func TestMergeKind(t *testing.T) {
	assert.Equal(t, StreamMerge, Streaming.MergeKind())
	assert.Equal(t, MemoryMerge, Buffered.MergeKind())
	assert.Equal(t, "memory", Buffered.MergeKind().String())
}

func TestYAMLRoundTrip(t *testing.T) {
	var cfg struct {
		Mode ConnectionMode `yaml:"mode"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("mode: buffered\n"), &cfg))
	assert.Equal(t, Buffered, cfg.Mode)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "mode: BUFFERED\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("mode: sometimes\n"), &cfg))
	assert.False(t, ConnectionMode(7).Valid())
}
