package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/steveyegge/recon/internal/types"
)

// Batch is one extraction run's output for a single deal
type Batch struct {
	DealID   string          `json:"deal_id"`
	Facts    []types.Fact    `json:"facts"`
	Findings []types.Finding `json:"findings"`

	// SupersededDocs lists source documents replaced by newer uploads. Active
	// facts evidenced only by these documents are proposed for removal.
	SupersededDocs []string `json:"superseded_docs,omitempty"`
}

// Validate checks the batch envelope. Individual records are validated
// during the pass so one bad record does not reject the whole batch.
func (b *Batch) Validate() error {
	if strings.TrimSpace(b.DealID) == "" {
		return fmt.Errorf("deal_id is required")
	}
	for i := range b.Facts {
		if b.Facts[i].DealID != "" && b.Facts[i].DealID != b.DealID {
			return fmt.Errorf("fact %d (%s) belongs to deal %s, not %s", i, b.Facts[i].ID, b.Facts[i].DealID, b.DealID)
		}
	}
	for i := range b.Findings {
		if b.Findings[i].DealID != "" && b.Findings[i].DealID != b.DealID {
			return fmt.Errorf("finding %d (%s) belongs to deal %s, not %s", i, b.Findings[i].ID, b.Findings[i].DealID, b.DealID)
		}
	}
	return nil
}

// DecodeBatch reads a JSON batch
func DecodeBatch(r io.Reader) (*Batch, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	return &b, nil
}

// LoadBatch reads a JSON batch file
func LoadBatch(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch %s: %w", path, err)
	}
	defer f.Close()

	b, err := DecodeBatch(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
