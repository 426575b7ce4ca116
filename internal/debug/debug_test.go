package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// capture initializes the logger at lvl and redirects it into a buffer.
func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	Init(lvl)
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		Init(LevelOff)
		logger = nil
	})
	return &buf
}

func TestLevels_FilterOutput(t *testing.T) {
	buf := capture(t, LevelLive)

	Info("info %d", 1)
	Warn("warn %d", 2)
	Live("live %d", 3)
	Verbose("verbose %d", 4)
	Trace("trace %d", 5)
	GPIO("WritePin", 12, true)

	out := buf.String()
	for _, want := range []string{"[INFO] info 1", "[WARN] warn 2", "[LIVE] live 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, hidden := range []string{"verbose 4", "trace 5", "[GPIO]"} {
		if strings.Contains(out, hidden) {
			t.Errorf("output should not contain %q at level %d", hidden, LevelLive)
		}
	}
}

func TestTraceHelpers(t *testing.T) {
	buf := capture(t, LevelTrace)

	GPIO("WritePin", 13, "HIGH")
	PWM("SetDuty", 0, 1500)
	Move("azimuth", 5, "CW")

	out := buf.String()
	for _, want := range []string{
		"[GPIO] WritePin pin=13 value=HIGH",
		"[PWM] SetDuty channel=0 value=1500",
		"Motor azimuth: 5 steps (CW)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOff_NoOutputNoPanic(t *testing.T) {
	Init(LevelOff)
	logger = nil
	SetOutput(&bytes.Buffer{})
	Info("nothing")
	Error(os.ErrNotExist)
	if IsEnabled(LevelInfo) {
		t.Error("IsEnabled(info) should be false when off")
	}
}

func TestRotatingFile_Writes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turret.log")
	w := RotatingFile(path, 1, 2, 0)

	capture(t, LevelInfo)
	SetOutput(w)
	Info("to file")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] to file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestLevel_IsEnabled(t *testing.T) {
	capture(t, LevelLive)
	if Level() != LevelLive {
		t.Errorf("Level() = %d, want %d", Level(), LevelLive)
	}
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelLive) {
		t.Error("levels at or below the current one should be enabled")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should be disabled at live level")
	}
}
