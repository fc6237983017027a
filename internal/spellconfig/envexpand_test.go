package spellconfig

import (
	"os"
	"testing"
)

func TestExpandEnvVarSubstitutes(t *testing.T) {
	os.Setenv("GRIMOIRE_TEST_VAR", "hello")
	defer os.Unsetenv("GRIMOIRE_TEST_VAR")

	got := ExpandEnvVar("prefix ${GRIMOIRE_TEST_VAR} suffix", nil)
	want := "prefix hello suffix"
	if got != want {
		t.Errorf("ExpandEnvVar() = %q, want %q", got, want)
	}
}

func TestExpandEnvVarUnsetBecomesEmpty(t *testing.T) {
	os.Unsetenv("GRIMOIRE_TEST_UNSET_VAR")
	got := ExpandEnvVar("${GRIMOIRE_TEST_UNSET_VAR}", nil)
	if got != "" {
		t.Errorf("ExpandEnvVar() = %q, want empty string", got)
	}
}

func TestExpandEnvVarNonRecursive(t *testing.T) {
	os.Setenv("INNER", "X")
	defer os.Unsetenv("INNER")

	got := ExpandEnvVar("${OUTER${INNER}}", nil)
	want := "${OUTERX}"
	if got != want {
		t.Errorf("ExpandEnvVar() = %q, want %q (non-recursive expansion)", got, want)
	}
}

func TestExpandEnvVarPreservesNonMatchingText(t *testing.T) {
	got := ExpandEnvVar("plain text with no markers", nil)
	if got != "plain text with no markers" {
		t.Errorf("ExpandEnvVar() = %q, want unchanged", got)
	}
}
