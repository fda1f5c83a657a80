// Package dedup computes deterministic content fingerprints for judicial
// movement records. The hash is the record's identity: two records with the
// same normalized fields always produce the same digest, so duplicates can
// be suppressed before they enter the pipeline.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// separator joins the normalized fields before hashing. Multi-character and
// unlikely to appear in source data, so field boundaries cannot be forged by
// crafted input.
const separator = "|#|"

// altPrefix marks the alternative hash family (computed over cleaned text).
// Prefixing the digest input keeps the two families from ever colliding.
const altPrefix = "alt" + separator

// ValidationError reports a missing or empty hash input field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dedup: field %q is required and must be non-empty", e.Field)
}

// Hash computes the primary fingerprint over the four identifying fields of
// a movement record. Processo and tribunal are case-folded so casing and
// whitespace variance in upstream sources cannot defeat deduplication; date
// and text are used verbatim after trimming.
func Hash(processo, dataPublicacao, texto, tribunal string) (string, error) {
	normalized, err := normalize(processo, dataPublicacao, texto, tribunal)
	if err != nil {
		return "", err
	}
	return digest(strings.Join(normalized, separator)), nil
}

// AlternativeHash computes the secondary fingerprint, meant to be fed the
// cleaned/sanitized publication text instead of the raw one. The digest
// input carries a fixed prefix so primary and alternative hashes form
// disjoint families.
func AlternativeHash(processo, dataPublicacao, textoLimpo, tribunal string) (string, error) {
	normalized, err := normalize(processo, dataPublicacao, textoLimpo, tribunal)
	if err != nil {
		return "", err
	}
	return digest(altPrefix + strings.Join(normalized, separator)), nil
}

// Compare reports whether two digests are equal, plus the count of byte
// positions at which they differ. Diagnostics only; never used for fuzzy
// matching.
func Compare(a, b string) (bool, int) {
	if a == b {
		return true, 0
	}

	diff := 0
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			diff++
		}
	}
	return false, diff
}

func normalize(processo, dataPublicacao, texto, tribunal string) ([]string, error) {
	processo = strings.ToLower(strings.TrimSpace(processo))
	dataPublicacao = strings.TrimSpace(dataPublicacao)
	texto = strings.TrimSpace(texto)
	tribunal = strings.ToLower(strings.TrimSpace(tribunal))

	for _, f := range []struct{ name, value string }{
		{"numero_processo", processo},
		{"data_publicacao", dataPublicacao},
		{"texto_publicacao", texto},
		{"tribunal", tribunal},
	} {
		if f.value == "" {
			return nil, &ValidationError{Field: f.name}
		}
	}

	return []string{processo, dataPublicacao, texto, tribunal}, nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
