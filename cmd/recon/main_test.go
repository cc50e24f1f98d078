package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/config"
	"github.com/steveyegge/recon/internal/metrics"
	"github.com/steveyegge/recon/internal/storage"
)

// useTestStore points the command globals at an in-memory store and
// restores them when the test ends
func useTestStore(t *testing.T) storage.Storage {
	t.Helper()
	testStore, err := storage.NewStorage(context.Background(), &storage.Config{Path: ":memory:"})
	require.NoError(t, err)

	origStore, origCfg, origLogger, origRecorder, origActor, origNoColor := store, cfg, logger, recorder, actor, color.NoColor
	store = testStore
	cfg = config.DefaultConfig()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder = metrics.NewRecorder(logger)
	actor = "tester"
	color.NoColor = true

	t.Cleanup(func() {
		_ = testStore.Close()
		store, cfg, logger, recorder, actor, color.NoColor = origStore, origCfg, origLogger, origRecorder, origActor, origNoColor
	})
	return testStore
}

// ERP facts at three confidence levels plus three related risks
const testBatch = `{
  "deal_id": "deal-1",
  "facts": [
    {"id": "f-sap", "domain": "applications", "entity": "target", "category": "erp", "item": "SAP ECC",
     "evidence": "Finance runs on SAP ECC 6.0", "confidence": 0.95, "source_doc_id": "doc-1", "authority_level": 2},
    {"id": "f-oracle", "domain": "applications", "entity": "target", "category": "erp", "item": "Oracle EBS",
     "evidence": "Distribution uses Oracle EBS 12.1", "confidence": 0.95, "source_doc_id": "doc-1", "authority_level": 2},
    {"id": "f-workday", "domain": "organization", "entity": "target", "category": "hr", "item": "Workday HCM",
     "evidence": "HR moved to Workday in 2022", "confidence": 0.8, "source_doc_id": "doc-2", "authority_level": 2},
    {"id": "f-crm", "domain": "applications", "entity": "target", "category": "crm", "item": "Salesforce Sales Cloud",
     "evidence": "Sales may use Salesforce", "confidence": 0.4, "source_doc_id": "doc-3", "authority_level": 1}
  ],
  "findings": [
    {"id": "r-1", "domain": "applications", "entity": "target", "kind": "risk", "title": "SAP ECC end of support",
     "description": "SAP ECC mainstream support ends in 2027.", "severity": "high", "category": "erp",
     "evidence_facts": ["f-sap"], "evidence_quotes": ["SAP ECC mainstream support ends in 2027."]},
    {"id": "r-2", "domain": "applications", "entity": "target", "kind": "risk", "title": "Heavy SAP customization",
     "description": "The SAP instance carries 400 custom objects.", "severity": "medium", "category": "erp",
     "evidence_facts": ["f-sap"], "evidence_quotes": ["The SAP instance carries 400 custom objects."]},
    {"id": "r-3", "domain": "applications", "entity": "target", "kind": "risk", "title": "Parallel ERP estates",
     "description": "SAP and Oracle EBS both run core finance processes.", "severity": "critical", "category": "erp",
     "evidence_facts": ["f-sap", "f-oracle"], "evidence_quotes": ["SAP and Oracle EBS both run core finance processes."]}
  ]
}`

func writeBatch(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// reconcileTestBatch runs testBatch through the reconcile command path
func reconcileTestBatch(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeBatch(t, dir, "batch.json", testBatch)

	batches, err := loadBatches([]string{filepath.Join(dir, "*.json")})
	require.NoError(t, err)
	engine, err := newEngine()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runBatches(context.Background(), engine, batches, &out))
	return out.String()
}
