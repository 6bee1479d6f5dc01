package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhasefCarriesPhase(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel("debug")
	defer SetLevel("info")

	Phasef("SCANNING", "阶段切换")
	out := buf.String()
	assert.Contains(t, out, "[SCANNING]")
	assert.Contains(t, out, "phase=SCANNING")
	assert.Contains(t, out, "app=kalbot")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel("warn")
	defer SetLevel("info")

	Infof("info-line")
	Warnf("warn-line")
	out := buf.String()
	assert.NotContains(t, out, "info-line")
	assert.Contains(t, out, "warn-line")
}
