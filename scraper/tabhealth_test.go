package scraper

import (
	"testing"
	"time"
)

func TestTabHealthRetiresFailingTab(t *testing.T) {
	h := newTabHealth[int]()

	// fail, fail, ok (1.5), fail (2.5), fail (3.5) -> retire
	steps := []struct {
		ok     bool
		retire bool
	}{
		{false, false},
		{false, false},
		{true, false},
		{false, false},
		{false, true},
	}
	for i, s := range steps {
		if got := h.record(1, s.ok); got != s.retire {
			t.Fatalf("step %d: retire = %v, want %v", i+1, got, s.retire)
		}
	}
	if h.len() != 0 {
		t.Errorf("retired tab still tracked")
	}
}

func TestTabHealthRetiresByUseCount(t *testing.T) {
	h := newTabHealth[int]()
	for i := 1; i < retireUses; i++ {
		if h.record(7, true) {
			t.Fatalf("retired after %d successful uses", i)
		}
	}
	if !h.record(7, true) {
		t.Errorf("tab not retired after %d uses", retireUses)
	}
}

func TestTabHealthRetiresByAge(t *testing.T) {
	h := newTabHealth[string]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	if h.record("tab", true) {
		t.Fatal("fresh tab retired")
	}
	now = now.Add(retireAge)
	if !h.record("tab", true) {
		t.Error("old tab not retired")
	}
}

func TestTabHealthForget(t *testing.T) {
	h := newTabHealth[int]()
	h.record(1, true)
	h.record(2, false)
	h.forget(1)
	if h.len() != 1 {
		t.Errorf("len = %d, want 1", h.len())
	}
}
