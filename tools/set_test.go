package tools

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

type namedTool struct {
	name   string
	result string
}

func (t *namedTool) GetSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Title: t.name, Type: "object"}
}

func (t *namedTool) Execute(context.Context, map[string]any) (string, error) {
	return t.result, nil
}

func TestSetOrdersByName(t *testing.T) {
	set := NewSet([]Tool{
		&namedTool{name: "zeta"},
		&namedTool{name: "alpha"},
		&namedTool{name: "mid"},
	})

	want := []string{"alpha", "mid", "zeta"}
	all := set.All()
	if len(all) != len(want) {
		t.Fatalf("got %d tools, want %d", len(all), len(want))
	}
	for i, tool := range all {
		if Name(tool) != want[i] {
			t.Errorf("position %d: got %s, want %s", i, Name(tool), want[i])
		}
	}
}

func TestSetLaterDuplicateWins(t *testing.T) {
	second := &namedTool{name: "dup", result: "second"}
	set := NewSet([]Tool{&namedTool{name: "dup", result: "first"}, second})

	if set.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", set.Len())
	}
	if got, _ := set.Get("dup"); got != second {
		t.Error("expected the later tool to win")
	}
}

func TestSetSkipsUnnamedTools(t *testing.T) {
	set := NewSet([]Tool{&namedTool{}, &namedTool{name: "ok"}})
	if set.Len() != 1 {
		t.Errorf("Len() = %d, want 1", set.Len())
	}
	if _, ok := set.Get(""); ok {
		t.Error("unnamed tool should not be reachable")
	}
}

func TestNilSetIsEmpty(t *testing.T) {
	var set *Set
	if _, ok := set.Get("x"); ok || set.Len() != 0 || set.All() != nil {
		t.Error("nil set should behave as empty")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	set := NewSet([]Tool{&namedTool{name: "a"}, &namedTool{name: "b"}})
	all := set.All()
	all[0] = nil
	if Name(set.All()[0]) != "a" {
		t.Error("mutating All() changed the set")
	}
}
