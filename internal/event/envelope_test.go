package event

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAndParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	Emit(logger, "transfer_send_complete", map[string]any{"fileSizeBytes": float64(104857600)})

	env, err := Parse(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, kind, env.Kind)
	assert.Equal(t, version, env.Version)
	assert.Equal(t, "transfer_send_complete", env.Event)
	assert.Equal(t, float64(104857600), env.Payload["fileSizeBytes"])
}

func TestParseLegacyShape(t *testing.T) {
	legacy := []byte(`{"event":"transfer_resume_negotiated","timestamp":1000,"startChunk":42}`)
	env, err := Parse(legacy)
	require.NoError(t, err)
	assert.Equal(t, "transfer_resume_negotiated", env.Event)
	assert.EqualValues(t, 1000, env.Timestamp)
	assert.Equal(t, float64(42), env.Payload["startChunk"])
}
