package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestForComponentMemoizes(t *testing.T) {
	a := ForComponent("gateway")
	b := ForComponent("gateway")
	if a != b {
		t.Fatalf("expected same logger instance for same component")
	}
}

func TestDebugGating(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := ForComponent("debuggated")
	l.Debugf("hidden %d", 1)
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line emitted while debug disabled: %q", buf.String())
	}

	EnableDebugFor("debuggated")
	defer DisableDebugFor("debuggated")
	l.Debugf("visible %d", 2)
	if !strings.Contains(buf.String(), "visible 2") {
		t.Fatalf("expected debug line after enabling debug, got %q", buf.String())
	}
}

func TestGlobalDebugOverridesComponent(t *testing.T) {
	SetGlobalDebug(true)
	defer SetGlobalDebug(false)

	if !DebugEnabledFor("never-enabled-component") {
		t.Fatal("global debug should enable all components")
	}
}

func TestPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	ForComponent("relay").Warnf("feed down")
	line := buf.String()
	if !strings.Contains(line, LevelWarn) || !strings.Contains(line, "[relay]") {
		t.Fatalf("unexpected log line: %q", line)
	}
}
