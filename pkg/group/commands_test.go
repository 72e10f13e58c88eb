package group

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeOperation(t *testing.T) {
	ops := []Operation{
		&Join{},
		&Leave{Member: 4},
		&Listen{},
		&Resign{Member: 2},
		&SetProperty{Member: 2, Property: "zone", Value: json.RawMessage(`"eu-1"`)},
		&GetProperty{Member: 2, Property: "zone"},
		&RemoveProperty{Member: 2, Property: "zone"},
		&Send{Member: 3, Topic: "task", Body: json.RawMessage(`{"n":1}`)},
		&Schedule{Member: 3, Delay: 250, Callback: json.RawMessage(`"cb"`)},
		&Execute{Member: 3, Callback: json.RawMessage(`"cb"`)},
	}
	for _, op := range ops {
		data, err := EncodeOperation(op)
		if err != nil {
			t.Fatalf("encode %T: %v", op, err)
		}
		back, err := DecodeOperation(data)
		if err != nil {
			t.Fatalf("decode %T: %v", op, err)
		}
		if back.Kind() != op.Kind() {
			t.Fatalf("kind = %q, want %q", back.Kind(), op.Kind())
		}
	}
}

func TestDecodeOperation_UnknownKind(t *testing.T) {
	if _, err := DecodeOperation([]byte(`{"kind":"promote"}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestUnknownMemberError_Is(t *testing.T) {
	err := UnknownMemberError(9)
	if !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("expected ErrUnknownMember, got %v", err)
	}
}
