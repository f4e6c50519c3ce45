package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/osvaldoandrade/markerq/internal/providers"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertOneSavesOutput(t *testing.T) {
	root := t.TempDir()
	svc := NewConvertService(&fakeConverter{}, providers.NewDirStore(root), nil, 0)

	out, err := svc.ConvertOne(context.Background(), pdfDoc("paper.pdf"))
	require.NoError(t, err)
	assert.Equal(t, domain.ItemOK, out.Result.Status)
	assert.NotEmpty(t, out.SavedTo)

	md, err := os.ReadFile(filepath.Join(root, "paper", "paper.md"))
	require.NoError(t, err)
	assert.Equal(t, "# paper.pdf\n", string(md))
	_, err = os.Stat(filepath.Join(root, "paper", "paper_meta.json"))
	assert.NoError(t, err)
}

func TestConvertOneSkipsSavingFailures(t *testing.T) {
	root := t.TempDir()
	svc := NewConvertService(&fakeConverter{}, providers.NewDirStore(root), nil, 0)

	out, err := svc.ConvertOne(context.Background(), domain.Document{Filename: "bad.pdf", Data: corruptPayload})
	require.NoError(t, err)
	assert.Equal(t, domain.ItemError, out.Result.Status)
	assert.Empty(t, out.SavedTo)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvertOneRejectsEmpty(t *testing.T) {
	svc := NewConvertService(&fakeConverter{}, nil, nil, 0)
	_, err := svc.ConvertOne(context.Background(), domain.Document{Filename: "a.pdf"})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestConvertMany(t *testing.T) {
	svc := NewConvertService(&fakeConverter{}, nil, nil, 3)

	docs := []domain.Document{pdfDoc("a.pdf"), {Filename: "b.pdf", Data: corruptPayload}, pdfDoc("c.pdf")}
	batch, err := svc.ConvertMany(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Successful)
	assert.Equal(t, 1, batch.Failed)

	_, err = svc.ConvertMany(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = svc.ConvertMany(context.Background(), append(docs, pdfDoc("d.pdf")))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}
