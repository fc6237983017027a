package router

import (
	"testing"

	"github.com/grimoirehq/grimoire/internal/spawn"
)

func TestRegisterAndFindTool(t *testing.T) {
	r := New(nil)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query"}, {Name: "list_tables"}})

	owner, ok := r.FindSpellForTool("query")
	if !ok || owner != "postgres" {
		t.Fatalf("expected postgres to own query, got %q ok=%v", owner, ok)
	}
	if !r.HasTool("list_tables") {
		t.Fatal("expected list_tables to be registered")
	}
}

func TestUnregisterRemovesReverseEntries(t *testing.T) {
	r := New(nil)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query"}})
	r.UnregisterTools("postgres")

	if r.HasTool("query") {
		t.Fatal("expected query to be removed after unregister")
	}
	if tools := r.GetToolsForSpell("postgres"); tools != nil {
		t.Fatalf("expected no tools for postgres, got %+v", tools)
	}
}

func TestLastWriterWinsOnCollision(t *testing.T) {
	r := New(nil)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query"}})
	r.RegisterTools("mysql", []spawn.ToolDescriptor{{Name: "query"}})

	owner, ok := r.FindSpellForTool("query")
	if !ok || owner != "mysql" {
		t.Fatalf("expected mysql (last writer) to own query, got %q", owner)
	}
}

func TestGetActiveSpellNamesSorted(t *testing.T) {
	r := New(nil)
	r.RegisterTools("zeta", []spawn.ToolDescriptor{{Name: "z"}})
	r.RegisterTools("alpha", []spawn.ToolDescriptor{{Name: "a"}})

	names := r.GetActiveSpellNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %+v", names)
	}
}

func TestRegisterToolsAcceptsWellFormedInputSchema(t *testing.T) {
	r := New(nil)
	schema := []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query", InputSchema: schema}})

	if !r.HasTool("query") {
		t.Fatal("expected query to be registered")
	}
}

func TestRegisterToolsStillRegistersMalformedInputSchema(t *testing.T) {
	r := New(nil)
	// Malformed JSON; RegisterTools must log and still register the
	// tool rather than drop it.
	schema := []byte(`{"type": `)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query", InputSchema: schema}})

	if !r.HasTool("query") {
		t.Fatal("expected query to still be registered despite a malformed inputSchema")
	}
}

func TestRegisterToolsAcceptsEmptyInputSchema(t *testing.T) {
	r := New(nil)
	r.RegisterTools("postgres", []spawn.ToolDescriptor{{Name: "query"}})

	if !r.HasTool("query") {
		t.Fatal("expected query to be registered with no inputSchema")
	}
}
