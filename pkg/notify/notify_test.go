package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/binwatch/binwatch/pkg/realtime"
)

func TestComposeMessageInsert(t *testing.T) {
	msg := ComposeMessage(&realtime.ChangeEvent{
		Operation: realtime.OpInsert,
		Record:    &realtime.BinRecord{Title: "Kitchen"},
	})
	if msg != "Kitchen has been created." {
		t.Errorf("msg = %q", msg)
	}
}

func TestComposeMessageUpdateDiffs(t *testing.T) {
	t.Run("single field", func(t *testing.T) {
		msg := ComposeMessage(&realtime.ChangeEvent{
			Operation: realtime.OpUpdate,
			Record:    &realtime.BinRecord{Title: "Kitchen", Status: "full"},
			OldRecord: &realtime.BinRecord{Title: "Kitchen", Status: "empty"},
		})
		if msg != "Kitchen: status changed from empty to full" {
			t.Errorf("msg = %q", msg)
		}
	})

	t.Run("multiple fields joined", func(t *testing.T) {
		msg := ComposeMessage(&realtime.ChangeEvent{
			Operation: realtime.OpUpdate,
			Record:    &realtime.BinRecord{Title: "Kitchen", Status: "full", FillLevel: 90},
			OldRecord: &realtime.BinRecord{Title: "Kitchen", Status: "empty", FillLevel: 10},
		})
		want := "Kitchen: status changed from empty to full, fill level changed from 10 to 90"
		if msg != want {
			t.Errorf("msg = %q, want %q", msg, want)
		}
	})

	t.Run("waste stream statuses", func(t *testing.T) {
		msg := ComposeMessage(&realtime.ChangeEvent{
			Operation: realtime.OpUpdate,
			Record:    &realtime.BinRecord{Title: "Kitchen", OrganikStatus: "full", B3Status: "empty"},
			OldRecord: &realtime.BinRecord{Title: "Kitchen", OrganikStatus: "empty", B3Status: "full"},
		})
		if !strings.Contains(msg, "organik status changed from empty to full") {
			t.Errorf("msg = %q missing organik clause", msg)
		}
		if !strings.Contains(msg, "b3 status changed from full to empty") {
			t.Errorf("msg = %q missing b3 clause", msg)
		}
	})

	t.Run("no diff falls back to generic", func(t *testing.T) {
		rec := &realtime.BinRecord{Title: "Kitchen", Status: "empty"}
		msg := ComposeMessage(&realtime.ChangeEvent{
			Operation: realtime.OpUpdate,
			Record:    rec,
			OldRecord: rec,
		})
		if msg != "Kitchen has been updated." {
			t.Errorf("msg = %q", msg)
		}
	})

	t.Run("missing old record falls back to generic", func(t *testing.T) {
		msg := ComposeMessage(&realtime.ChangeEvent{
			Operation: realtime.OpUpdate,
			Record:    &realtime.BinRecord{Title: "Kitchen"},
		})
		if msg != "Kitchen has been updated." {
			t.Errorf("msg = %q", msg)
		}
	})
}

func TestComposeMessageDelete(t *testing.T) {
	msg := ComposeMessage(&realtime.ChangeEvent{
		Operation: realtime.OpDelete,
		OldRecord: &realtime.BinRecord{Title: "Garage"},
	})
	if msg != "Garage has been deleted." {
		t.Errorf("msg = %q", msg)
	}

	// A delete without an old record title shows Unknown.
	msg = ComposeMessage(&realtime.ChangeEvent{Operation: realtime.OpDelete})
	if msg != "Unknown has been deleted." {
		t.Errorf("msg = %q", msg)
	}
}

type fakeDisplay struct {
	mu     sync.Mutex
	shown  []Notification
	hides  int
}

func (d *fakeDisplay) Show(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, n)
}

func (d *fakeDisplay) Hide() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hides++
}

func (d *fakeDisplay) shownCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

func (d *fakeDisplay) hideCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hides
}

func binFrame(id string, operation string, record *realtime.BinRecord) realtime.Frame {
	return realtime.Frame{
		Type:      realtime.TypeSubscribeBins,
		Operation: operation,
		Data:      &realtime.EventData{ID: id, Record: record},
	}
}

func TestControllerShowsAndRefreshes(t *testing.T) {
	display := &fakeDisplay{}
	refreshes := 0
	c := NewController(display, func() { refreshes++ })
	defer c.Stop()

	c.HandleFrame(binFrame("ev-1", realtime.OpInsert, &realtime.BinRecord{Title: "Kitchen"}))

	if display.shownCount() != 1 {
		t.Fatalf("shown = %d, want 1", display.shownCount())
	}
	if display.shown[0].Message != "Kitchen has been created." {
		t.Errorf("message = %q", display.shown[0].Message)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

func TestControllerDedupsByEventID(t *testing.T) {
	display := &fakeDisplay{}
	refreshes := 0
	c := NewController(display, func() { refreshes++ })
	defer c.Stop()

	frame := binFrame("ev-1", realtime.OpInsert, &realtime.BinRecord{Title: "Kitchen"})
	c.HandleFrame(frame)
	c.HandleFrame(frame)

	if display.shownCount() != 1 {
		t.Errorf("shown = %d, want 1 (duplicate must be dropped)", display.shownCount())
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1 (duplicate must not refresh)", refreshes)
	}

	// A different event id is accepted again.
	c.HandleFrame(binFrame("ev-2", realtime.OpInsert, &realtime.BinRecord{Title: "Garage"}))
	if display.shownCount() != 2 {
		t.Errorf("shown = %d, want 2", display.shownCount())
	}
}

func TestControllerAutoHideClearsLastShownID(t *testing.T) {
	display := &fakeDisplay{}
	c := NewController(display, nil)
	c.hideAfter = 20 * time.Millisecond
	defer c.Stop()

	frame := binFrame("ev-1", realtime.OpInsert, &realtime.BinRecord{Title: "Kitchen"})
	c.HandleFrame(frame)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && display.hideCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if display.hideCount() != 1 {
		t.Fatalf("hides = %d, want 1", display.hideCount())
	}

	// After auto-hide the same event id may be shown again.
	c.HandleFrame(frame)
	if display.shownCount() != 2 {
		t.Errorf("shown = %d, want 2 after auto-hide reset", display.shownCount())
	}
}

func TestControllerDismiss(t *testing.T) {
	display := &fakeDisplay{}
	c := NewController(display, nil)
	defer c.Stop()

	c.HandleFrame(binFrame("ev-1", realtime.OpInsert, &realtime.BinRecord{Title: "Kitchen"}))
	c.Dismiss()

	if display.hideCount() != 1 {
		t.Errorf("hides = %d, want 1", display.hideCount())
	}
	c.mu.Lock()
	last := c.lastShownID
	c.mu.Unlock()
	if last != "" {
		t.Errorf("lastShownID = %q, want empty after dismiss", last)
	}
}

func TestControllerIgnoresFramesWithoutData(t *testing.T) {
	display := &fakeDisplay{}
	c := NewController(display, nil)
	defer c.Stop()

	c.HandleFrame(realtime.Frame{Type: realtime.TypeSubscribeBins, Operation: realtime.OpInsert})
	if display.shownCount() != 0 {
		t.Errorf("shown = %d, want 0", display.shownCount())
	}
}

func TestCountdownBarShrinks(t *testing.T) {
	full := countdownBar(5*time.Second, 5*time.Second)
	half := countdownBar(5*time.Second, 2500*time.Millisecond)
	empty := countdownBar(5*time.Second, 0)

	if strings.Count(full, "█") != popupWidth {
		t.Errorf("full bar has %d filled cells, want %d", strings.Count(full, "█"), popupWidth)
	}
	if got := strings.Count(half, "█"); got != popupWidth/2 {
		t.Errorf("half bar has %d filled cells, want %d", got, popupWidth/2)
	}
	if strings.Count(empty, "█") != 0 {
		t.Errorf("empty bar still has filled cells")
	}
}
