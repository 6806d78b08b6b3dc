package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":  DebugLevel,
		"INFO":   InfoLevel,
		"notice": NoticeLevel,
		" error": ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestPaymentTag(t *testing.T) {
	assert.Equal(t, "", PaymentTag(""))
	assert.Equal(t, "[p1] ", PaymentTag("p1"))
	assert.Equal(t, "[0x1a2b..9f0e] ", PaymentTag("0x1a2b3c4d5e6f7a8b9c0d9f0e"))
}

func TestStdLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	l := NewStdLogger(false, NoticeLevel)
	l.Debug("hidden debug")
	l.Info("hidden info")
	l.NoticeWithPayment("p1", "settled %d", 7)
	l.Error("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[NOTICE] [p1] settled 7")
	assert.Contains(t, out, "[ERROR]  boom")
}
