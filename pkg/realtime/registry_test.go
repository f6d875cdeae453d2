package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

type fakeConn struct {
	sent   [][]byte
	fail   bool
	closed bool
}

func (f *fakeConn) Send(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()

	if r.CountUsers() != 0 || r.CountConnections() != 0 {
		t.Fatal("fresh registry should be empty")
	}

	a1 := &fakeConn{}
	a2 := &fakeConn{}
	b1 := &fakeConn{}
	r.Add("alice", a1)
	r.Add("alice", a2)
	r.Add("bob", b1)

	if got := r.CountUsers(); got != 2 {
		t.Errorf("CountUsers = %d, want 2", got)
	}
	if got := r.CountConnections(); got != 3 {
		t.Errorf("CountConnections = %d, want 3", got)
	}

	r.Remove("alice", a1)
	if got := r.CountUsers(); got != 2 {
		t.Errorf("CountUsers after partial remove = %d, want 2", got)
	}
	if got := r.CountConnections(); got != 2 {
		t.Errorf("CountConnections after partial remove = %d, want 2", got)
	}

	// Last connection of a user removes the user entry.
	r.Remove("alice", a2)
	if got := r.CountUsers(); got != 1 {
		t.Errorf("CountUsers after full remove = %d, want 1", got)
	}
}

func TestRegistryAddIgnoresDuplicateHandle(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Add("alice", c)
	r.Add("alice", c)

	if got := r.CountConnections(); got != 1 {
		t.Errorf("CountConnections = %d, want 1", got)
	}
	if n := r.Send("alice", Frame{Type: TypePong}); n != 1 {
		t.Errorf("Send = %d, want 1 (duplicate handle must not double-deliver)", n)
	}
	if len(c.sent) != 1 {
		t.Errorf("connection received %d frames, want 1", len(c.sent))
	}
}

func TestRegistrySendToUnknownUserIsNoop(t *testing.T) {
	r := NewRegistry()
	if got := r.Send("ghost", Frame{Type: TypePong}); got != 0 {
		t.Errorf("Send to unknown user = %d, want 0", got)
	}
}

func TestRegistrySendDeliversToAllUserConnections(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	other := &fakeConn{}
	r.Add("alice", c1)
	r.Add("alice", c2)
	r.Add("bob", other)

	n := r.Send("alice", Frame{Type: TypeSubscribed, Topic: "bins"})
	if n != 2 {
		t.Fatalf("Send = %d, want 2", n)
	}
	if len(other.sent) != 0 {
		t.Error("frame leaked to another user")
	}

	var frame Frame
	if err := json.Unmarshal(c1.sent[0], &frame); err != nil {
		t.Fatalf("unmarshaling sent frame: %v", err)
	}
	if frame.Type != TypeSubscribed || frame.Topic != "bins" {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestRegistrySendPrunesFailedConnections(t *testing.T) {
	r := NewRegistry()
	good := &fakeConn{}
	bad := &fakeConn{fail: true}
	r.Add("alice", good)
	r.Add("alice", bad)

	if n := r.Send("alice", Frame{Type: TypePong}); n != 1 {
		t.Fatalf("Send = %d, want 1", n)
	}
	if !bad.closed {
		t.Error("failed connection was not closed")
	}
	if got := r.CountConnections(); got != 1 {
		t.Errorf("CountConnections after prune = %d, want 1", got)
	}

	// The failed handle is gone; only the healthy one receives again.
	if n := r.Send("alice", Frame{Type: TypePong}); n != 1 {
		t.Errorf("Send after prune = %d, want 1", n)
	}
	if len(good.sent) != 2 {
		t.Errorf("healthy connection received %d frames, want 2", len(good.sent))
	}
}

func TestRegistryPruneLastConnectionRemovesUser(t *testing.T) {
	r := NewRegistry()
	bad := &fakeConn{fail: true}
	r.Add("alice", bad)

	r.Send("alice", Frame{Type: TypePong})
	if got := r.CountUsers(); got != 0 {
		t.Errorf("CountUsers after pruning last connection = %d, want 0", got)
	}
}

func TestChangeEventFanoutFrame(t *testing.T) {
	ev := &ChangeEvent{
		ID:        "ev-1",
		Operation: OpUpdate,
		UserID:    "alice",
		Record:    &BinRecord{ID: "bin-1", Title: "Kitchen", Status: "full"},
		OldRecord: &BinRecord{ID: "bin-1", Title: "Kitchen", Status: "empty"},
	}

	frame := ev.Fanout()
	if frame.Type != TypeSubscribeBins {
		t.Errorf("type = %q", frame.Type)
	}
	if frame.Operation != OpUpdate {
		t.Errorf("operation = %q", frame.Operation)
	}
	if frame.Data == nil || frame.Data.ID != "ev-1" {
		t.Fatalf("data = %+v", frame.Data)
	}
	if frame.Data.Record.Status != "full" || frame.Data.OldRecord.Status != "empty" {
		t.Errorf("records = %+v / %+v", frame.Data.Record, frame.Data.OldRecord)
	}
}
