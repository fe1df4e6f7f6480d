package bank

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/riverlab/streamtemp/internal/qrf"
)

// bankGob is the wire form of a Bank for persistence.
type bankGob struct {
	Models  map[string]*qrf.Forest
	Columns []string
	Skipped map[string]string
}

// Encode serializes the bank with encoding/gob, for storage as an opaque
// blob alongside its metadata.
func (b *Bank) Encode(w io.Writer) error {
	payload := bankGob{
		Models:  b.models,
		Columns: b.columns,
		Skipped: b.skipped,
	}
	if err := gob.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode bank: %w", err)
	}
	return nil
}

// Decode reconstructs a bank previously written by Encode.
func Decode(r io.Reader) (*Bank, error) {
	var payload bankGob
	if err := gob.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode bank: %w", err)
	}
	b := &Bank{
		models:  payload.Models,
		columns: payload.Columns,
		skipped: payload.Skipped,
	}
	if b.models == nil {
		b.models = make(map[string]*qrf.Forest)
	}
	if b.skipped == nil {
		b.skipped = make(map[string]string)
	}
	return b, nil
}
