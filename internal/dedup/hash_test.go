package dedup

import (
	"errors"
	"strings"
	"testing"
)

func TestHashDeterminism(t *testing.T) {
	h1, err := Hash("123456", "15/03/2024", "Audiência marcada", "tjmg")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	h2, err := Hash("123456", "15/03/2024", "Audiência marcada", "tjmg")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("same input produced different hashes: %s vs %s", h1, h2)
	}

	if len(h1) != 64 {
		t.Errorf("expected 64-char hex digest, got %d chars", len(h1))
	}
}

func TestHashNormalization(t *testing.T) {
	base, err := Hash("123456", "15/03/2024", "Audiência marcada", "tjmg")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	// Whitespace padding and casing of processo/tribunal must not change the hash.
	variant, err := Hash(" 123456 ", "15/03/2024", "Audiência marcada", " TJMG ")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if base != variant {
		t.Errorf("normalization variance changed the hash: %s vs %s", base, variant)
	}
}

func TestHashCollisionSensitivity(t *testing.T) {
	base, _ := Hash("123456", "15/03/2024", "Audiência marcada", "tjmg")

	changed := [][4]string{
		{"123457", "15/03/2024", "Audiência marcada", "tjmg"},
		{"123456", "16/03/2024", "Audiência marcada", "tjmg"},
		{"123456", "15/03/2024", "Audiência cancelada", "tjmg"},
		{"123456", "15/03/2024", "Audiência marcada", "tjsp"},
	}

	for _, c := range changed {
		h, err := Hash(c[0], c[1], c[2], c[3])
		if err != nil {
			t.Fatalf("Hash failed: %v", err)
		}
		if h == base {
			t.Errorf("changing a field did not change the hash: %v", c)
		}
	}
}

func TestHashValidation(t *testing.T) {
	cases := []struct {
		processo, data, texto, tribunal string
		wantField                       string
	}{
		{"", "15/03/2024", "texto", "tjmg", "numero_processo"},
		{"   ", "15/03/2024", "texto", "tjmg", "numero_processo"},
		{"123456", "", "texto", "tjmg", "data_publicacao"},
		{"123456", "15/03/2024", "  ", "tjmg", "texto_publicacao"},
		{"123456", "15/03/2024", "texto", "", "tribunal"},
	}

	for _, c := range cases {
		_, err := Hash(c.processo, c.data, c.texto, c.tribunal)
		if err == nil {
			t.Errorf("expected validation error for missing %s", c.wantField)
			continue
		}

		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected *ValidationError, got %T", err)
			continue
		}
		if verr.Field != c.wantField {
			t.Errorf("expected field %q in error, got %q", c.wantField, verr.Field)
		}
	}
}

func TestAlternativeHashDisjoint(t *testing.T) {
	// Even with identical inputs, primary and alternative hashes must differ.
	primary, err := Hash("123456", "15/03/2024", "texto publicado", "tjmg")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	alt, err := AlternativeHash("123456", "15/03/2024", "texto publicado", "tjmg")
	if err != nil {
		t.Fatalf("AlternativeHash failed: %v", err)
	}

	if primary == alt {
		t.Error("primary and alternative hash families collided")
	}
}

func TestCompare(t *testing.T) {
	h1, _ := Hash("123456", "15/03/2024", "texto", "tjmg")
	h2, _ := Hash("123456", "15/03/2024", "texto", "tjmg")

	equal, diff := Compare(h1, h2)
	if !equal || diff != 0 {
		t.Errorf("equal digests reported equal=%v diff=%d", equal, diff)
	}

	h3, _ := Hash("999999", "15/03/2024", "texto", "tjmg")
	equal, diff = Compare(h1, h3)
	if equal {
		t.Error("different digests reported equal")
	}
	if diff == 0 {
		t.Error("different digests reported zero differing positions")
	}

	// Length mismatch counts the overhang.
	equal, diff = Compare("abcd", "ab")
	if equal || diff != 2 {
		t.Errorf("Compare(abcd, ab) = %v, %d; want false, 2", equal, diff)
	}
}

func TestSeparatorNotForgeable(t *testing.T) {
	// Shifting content across the field boundary must change the digest.
	h1, _ := Hash("12"+separator+"34", "15/03/2024", "texto", "tjmg")
	h2, _ := Hash("12", separator+"34"+separator+"15/03/2024", "texto", "tjmg")
	if strings.EqualFold(h1, h2) {
		t.Error("field boundary was forgeable through embedded separators")
	}
}
