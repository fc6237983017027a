package embedding

import "testing"

func TestEmbedDeterministic(t *testing.T) {
	svc := Instance()
	a, err := svc.Embed("query postgres database")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := svc.Embed("query postgres database")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(a) != 384 {
		t.Fatalf("len(a) = %d, want 384", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Embed() not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestEmbedDistinctTextsDiffer(t *testing.T) {
	svc := Instance()
	a, _ := svc.Embed("postgres database")
	b, _ := svc.Embed("stripe payment")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected distinct texts to produce distinct vectors")
	}
}

func TestEmbedEmptyString(t *testing.T) {
	svc := Instance()
	v, err := svc.Embed("")
	if err != nil {
		t.Fatalf("Embed(\"\") error = %v", err)
	}
	if len(v) != 384 {
		t.Fatalf("len(v) = %d, want 384", len(v))
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	svc := Instance()
	out, err := svc.EmbedBatch(nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0", len(out))
	}
}

func TestEmbedBatchMatchesEmbed(t *testing.T) {
	svc := Instance()
	texts := []string{"alpha", "beta"}
	batch, err := svc.EmbedBatch(texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	for i, text := range texts {
		single, _ := svc.Embed(text)
		for j := range single {
			if single[j] != batch[i][j] {
				t.Fatalf("EmbedBatch()[%d] does not match Embed(%q) at index %d", i, text, j)
			}
		}
	}
}

func TestInstanceSingleton(t *testing.T) {
	a := Instance()
	b := Instance()
	if a != b {
		t.Fatal("Instance() should return the same pointer across calls")
	}
}
