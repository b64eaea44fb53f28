package logrus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, DebugLevel, ParseLevel("TRACE"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, FatalLevel, ParseLevel("fatal"))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestSetLevel(t *testing.T) {
	logger := New()
	assert.Equal(t, InfoLevel, logger.GetLevel())

	logger.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, logger.GetLevel())

	logger.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, logger.GetLevel())
}

func TestEntryChaining(t *testing.T) {
	logger := New()

	entry := logger.WithField("symbol", "BTC-USD")
	chained := entry.WithFields(Fields{"run_id": "abc"}).WithError(errors.New("boom"))

	// The original entry keeps its own fields; chaining copies.
	assert.Len(t, entry.fields, 1)
	assert.Len(t, chained.fields, 3)
}
