// Package movement models judicial movement records (movimentações) ingested
// from external providers. A record has no intrinsic identity; it is
// identified by the dedup hash over its normalized fields.
package movement

import (
	"fmt"
	"strings"
	"time"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/dedup"
)

// Source identifies where a movement record came from.
type Source string

const (
	SourceDW        Source = "dw"
	SourceManual    Source = "manual"
	SourceEscavador Source = "escavador"
)

// ParseSource validates a raw source string.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceDW, SourceManual, SourceEscavador:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown movement source: %q", s)
}

// Movement is one judicial movement record. HashUnica is derived, never
// supplied: it must be recomputed after any field edit.
type Movement struct {
	NumeroProcesso  string                 `bson:"numero_processo" json:"numero_processo"`
	DataPublicacao  string                 `bson:"data_publicacao" json:"data_publicacao"`
	TextoPublicacao string                 `bson:"texto_publicacao" json:"texto_publicacao"`
	TextoLimpo      string                 `bson:"texto_limpo,omitempty" json:"texto_limpo,omitempty"`
	Fonte           Source                 `bson:"fonte" json:"fonte"`
	Tribunal        string                 `bson:"tribunal" json:"tribunal"`
	Instancia       string                 `bson:"instancia,omitempty" json:"instancia,omitempty"`
	StatusProcesso  string                 `bson:"status_processamento,omitempty" json:"status_processamento,omitempty"`
	Metadata        map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`

	HashUnica string    `bson:"hash_unica" json:"hash_unica"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// New builds a validated movement record and computes its dedup hash.
func New(processo, dataPublicacao, texto, tribunal string, fonte Source) (*Movement, error) {
	m := &Movement{
		NumeroProcesso:  strings.TrimSpace(processo),
		DataPublicacao:  strings.TrimSpace(dataPublicacao),
		TextoPublicacao: strings.TrimSpace(texto),
		Tribunal:        strings.TrimSpace(tribunal),
		Fonte:           fonte,
		CreatedAt:       time.Now().UTC(),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.Rehash(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate performs format checks on the record.
func (m *Movement) Validate() error {
	if _, err := ParseSource(string(m.Fonte)); err != nil {
		return err
	}
	if !validDate(m.DataPublicacao) {
		return fmt.Errorf("data_publicacao %q is not in dd/mm/yyyy format", m.DataPublicacao)
	}
	return nil
}

// Rehash recomputes the dedup hash from the current field values.
func (m *Movement) Rehash() error {
	h, err := dedup.Hash(m.NumeroProcesso, m.DataPublicacao, m.TextoPublicacao, m.Tribunal)
	if err != nil {
		return err
	}
	m.HashUnica = h
	return nil
}

// AlternativeHash returns the secondary fingerprint over the cleaned text,
// or empty when no cleaned text is available.
func (m *Movement) AlternativeHash() (string, error) {
	if strings.TrimSpace(m.TextoLimpo) == "" {
		return "", nil
	}
	return dedup.AlternativeHash(m.NumeroProcesso, m.DataPublicacao, m.TextoLimpo, m.Tribunal)
}

// validDate checks the dd/mm/yyyy display format used by publication dates.
func validDate(s string) bool {
	_, err := time.Parse("02/01/2006", s)
	return err == nil
}
