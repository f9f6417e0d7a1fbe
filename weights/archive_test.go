package weights

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

func TestWriteThenReadArchiveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stage.archive")
	in := map[string]*tensor.Tensor{
		"model.embed_tokens.weight": tensor.NewFromSlice([]int{2, 2}, dtype.F32, tensor.CPU, []float32{1, 2, 3, 4}),
	}
	require.NoError(t, WriteArchive(path, in))

	loader, err := ReadArchive(path)
	require.NoError(t, err)

	got, ok := loader.Get("model.embed_tokens.weight")
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Data())
}

func TestWriteArchiveRejectsUnwritablePath(t *testing.T) {
	err := WriteArchive(filepath.Join(t.TempDir(), "missing-dir", "out.archive"), nil)
	require.Error(t, err)
}

func TestReadArchiveRejectsMissingFile(t *testing.T) {
	_, err := ReadArchive(filepath.Join(t.TempDir(), "nope.archive"))
	require.Error(t, err)
}

func TestReadArchiveRejectsCorruptContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.archive")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o644))
	_, err := ReadArchive(path)
	require.Error(t, err)
}
