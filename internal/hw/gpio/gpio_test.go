package gpio

import "testing"

func TestMockDriver_RemembersLevels(t *testing.T) {
	drv := &MockDriver{}

	if err := drv.SetupPin(13, Output); err != nil {
		t.Fatalf("SetupPin: %v", err)
	}
	if l, _ := drv.ReadPin(13); l != Low {
		t.Errorf("unwritten pin = %v, want LOW", l)
	}

	if err := drv.WritePin(13, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	if l, _ := drv.ReadPin(13); l != High {
		t.Errorf("pin 13 = %v, want HIGH", l)
	}
	if l, _ := drv.ReadPin(4); l != Low {
		t.Errorf("pin 4 = %v, want LOW (never written)", l)
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", drv)
	}
}

func TestLevel_String(t *testing.T) {
	if High.String() != "HIGH" || Low.String() != "LOW" {
		t.Errorf("Level strings = %q/%q", High.String(), Low.String())
	}
}
