package group

import "testing"

type nopSession struct{ id uint64 }

func (s *nopSession) ID() uint64          { return s.id }
func (s *nopSession) State() SessionState { return SessionOpen }
func (s *nopSession) Publish(string, any) {}

func TestRegistry_OpenClose(t *testing.T) {
	reg := NewRegistry(false)
	s := &nopSession{id: 1}

	c1 := reg.New(10, s, &Join{})
	c2 := reg.New(11, s, &Leave{Member: 10})
	if got := reg.Open(); got != 2 {
		t.Fatalf("open = %d, want 2", got)
	}

	c1.Close()
	if got := reg.Open(); got != 1 {
		t.Fatalf("open after close = %d, want 1", got)
	}
	// Non-strict: second close is a no-op.
	c1.Close()
	if got := reg.Closed(); got != 1 {
		t.Fatalf("closed = %d, want 1", got)
	}

	c2.Close()
	if got := reg.Open(); got != 0 {
		t.Fatalf("open = %d, want 0", got)
	}
	if got := reg.Closed(); got != 2 {
		t.Fatalf("closed = %d, want 2", got)
	}
}

func TestRegistry_StrictDoubleClosePanics(t *testing.T) {
	reg := NewRegistry(true)
	c := reg.New(1, &nopSession{id: 1}, &Join{})
	c.Close()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double close in strict mode")
		}
	}()
	c.Close()
}

func TestRegistry_CommitAccessors(t *testing.T) {
	reg := NewRegistry(true)
	s := &nopSession{id: 7}
	op := &SetProperty{Member: 3, Property: "k"}
	c := reg.New(42, s, op)
	if c.Index() != 42 {
		t.Fatalf("index = %d, want 42", c.Index())
	}
	if c.Session().ID() != 7 {
		t.Fatalf("session id = %d, want 7", c.Session().ID())
	}
	if c.Operation() != Operation(op) {
		t.Fatalf("operation identity lost")
	}
	c.Close()
}
