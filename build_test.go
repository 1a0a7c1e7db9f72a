package biencoder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/projection"
)

func TestSaveLoadTiedRoundTrip(t *testing.T) {
	enc := testEncoder(t)
	m, err := New(enc, enc, nil, nil, testConfig(), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	// Tied weights live at the directory root, not in per-side subdirs.
	_, err = os.Stat(filepath.Join(dir, queryModelDir))
	assert.True(t, os.IsNotExist(err))

	cfg := testConfig()
	cfg.ModelNameOrPath = dir
	loaded, err := Load(cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, loaded.Tied())

	batch := singleTokenBatch(t, 0, 3)
	want, err := m.EncodeQuery(batch)
	require.NoError(t, err)
	got, err := loaded.EncodeQuery(batch)
	require.NoError(t, err)
	assert.Equal(t, want.Floats(), got.Floats())
}

func TestSaveLoadUntiedRoundTrip(t *testing.T) {
	m, err := New(testEncoder(t), testEncoder(t).Clone(), nil, nil, testConfig(), nil)
	require.NoError(t, err)

	// Make the sides distinguishable.
	m.lmP.Parameters()[0].Floats()[0] = 7

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	for _, sub := range []string{queryModelDir, passageModelDir} {
		fi, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err, sub)
		assert.True(t, fi.IsDir())
	}

	cfg := testConfig()
	cfg.ModelNameOrPath = dir
	loaded, err := Load(cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, loaded.Tied())

	batch := singleTokenBatch(t, 0)
	wantQ, _ := m.EncodeQuery(batch)
	wantP, _ := m.EncodePassage(batch)
	gotQ, err := loaded.EncodeQuery(batch)
	require.NoError(t, err)
	gotP, err := loaded.EncodePassage(batch)
	require.NoError(t, err)

	assert.Equal(t, wantQ.Floats(), gotQ.Floats())
	assert.Equal(t, wantP.Floats(), gotP.Floats())
	assert.NotEqual(t, gotQ.Floats(), gotP.Floats())
}

func TestSaveUntiedTwiceFails(t *testing.T) {
	m, err := New(testEncoder(t), testEncoder(t).Clone(), nil, nil, testConfig(), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))
	assert.Error(t, m.Save(dir))
}

func TestLoadAttachesSavedProjectionHead(t *testing.T) {
	enc := testEncoder(t)
	head := projection.New(2, 2, true, nil)
	m, err := New(enc, enc, head, nil, testConfig(), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	cfg := testConfig()
	cfg.ModelNameOrPath = dir
	loaded, err := Load(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, loaded.Head())
	assert.Equal(t, head.Config(), loaded.Head().Config())

	batch := singleTokenBatch(t, 1, 2)
	want, err := m.EncodeQuery(batch)
	require.NoError(t, err)
	got, err := loaded.EncodeQuery(batch)
	require.NoError(t, err)
	assert.Equal(t, want.Floats(), got.Floats())
}

func TestBuildFromRegisteredIdentifier(t *testing.T) {
	backbone.Register("build-test-encoder", func() (backbone.Encoder, error) {
		return backbone.NewEmbedding(4, 2), nil
	})

	cfg := testConfig()
	cfg.ModelNameOrPath = "build-test-encoder"
	cfg.UntieEncoder = true

	m, err := Build(cfg, nil, nil)
	require.NoError(t, err)

	// An identifier has no per-side checkpoints: the passage side starts as
	// an independent copy of the query side.
	assert.False(t, m.Tied())
	assert.Len(t, m.Parameters(), 2)
}

func TestBuildFromSavedDirectory(t *testing.T) {
	enc := testEncoder(t)
	orig, err := New(enc, enc, nil, nil, testConfig(), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, orig.Save(dir))

	cfg := testConfig()
	cfg.ModelNameOrPath = dir
	m, err := Build(cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, m.Tied())

	batch := singleTokenBatch(t, 2)
	want, _ := orig.EncodeQuery(batch)
	got, err := m.EncodeQuery(batch)
	require.NoError(t, err)
	assert.Equal(t, want.Floats(), got.Floats())
}

func TestBuildWithPoolerStartsFromScratchWhenMissing(t *testing.T) {
	cfg := testConfig()
	cfg.ModelNameOrPath = t.TempDir() // no pooler files inside
	cfg.AddPooler = true
	cfg.ProjectionInDim = 2
	cfg.ProjectionOutDim = 2

	// An empty directory has no encoder checkpoint either, so seed one.
	enc := testEncoder(t)
	require.NoError(t, enc.SavePretrained(cfg.ModelNameOrPath))

	m, err := Build(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, m.Head())
	assert.Equal(t, projection.Config{InputDim: 2, OutputDim: 2, Tied: true}, m.Head().Config())
}
