package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulist/ade/errors"
)

func TestWriteAndReadResult(t *testing.T) {
	l := NewLayout(t.TempDir())
	_, err := l.Prepare("run_1")
	require.NoError(t, err)

	path, err := l.WriteResult("run_1", &Result{
		RunID:           "run_1",
		ConfigID:        "acme-quarterly",
		BuildID:         "bld_1",
		InputDocumentID: "doc_42",
		Status:          "succeeded",
		Tables: []TableResult{
			{Name: "invoices", SheetName: "Q1", MappedColumns: 7},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, l.ResultPath("run_1"), path)

	got, err := l.ReadResult("run_1")
	require.NoError(t, err)
	assert.Equal(t, ResultSchema, got.Schema)
	assert.Equal(t, "run_1", got.RunID)
	require.Len(t, got.Tables, 1)
	assert.Equal(t, 7, got.Tables[0].MappedColumns)
	assert.False(t, got.GeneratedAt.IsZero())
}

func TestReadMissingResult(t *testing.T) {
	l := NewLayout(t.TempDir())
	_, err := l.ReadResult("run_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListOutputs(t *testing.T) {
	l := NewLayout(t.TempDir())
	_, err := l.Prepare("run_1")
	require.NoError(t, err)

	outDir := l.OutputsDir("run_1")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "tables"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "extracted.csv"), []byte("a,b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "tables", "invoices.csv"), []byte("x\n"), 0o644))

	outputs, err := l.ListOutputs("run_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"extracted.csv", filepath.Join("tables", "invoices.csv")}, outputs)
}

func TestListOutputsEmpty(t *testing.T) {
	l := NewLayout(t.TempDir())
	outputs, err := l.ListOutputs("run_never_prepared")
	require.NoError(t, err)
	assert.Empty(t, outputs)
}
