package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := parseLevel("WARNING")
	assert.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, ok = parseLevel("loud")
	assert.False(t, ok)
}

func TestApplyWritesJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	apply(ProfileRuntime, Config{Level: "debug", Format: "json"}, &buf)
	log.Debug().Str("generation", "g1").Msg("hello")

	assert.Contains(t, buf.String(), `"generation":"g1"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
