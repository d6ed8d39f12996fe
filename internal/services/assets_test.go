package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAssets(t *testing.T) *AssetsService {
	t.Helper()
	return NewAssetsService(AssetsConfig{Root: t.TempDir()})
}

func TestSaveAndListSample(t *testing.T) {
	svc := newTestAssets(t)

	info, err := svc.SaveSample("kicks", "kick01.wav", []byte("RIFFdata"), []string{"punchy", " deep "})
	require.NoError(t, err)
	assert.Equal(t, "kick01.wav", info.Name)
	assert.Equal(t, "kicks", info.Category)
	assert.Equal(t, int64(8), info.Size)
	assert.Equal(t, []string{"punchy", "deep"}, info.Tags)
	assert.NotEmpty(t, info.UploadedAt)

	byCategory, err := svc.Samples()
	require.NoError(t, err)
	require.Contains(t, byCategory, "kicks")
	require.Len(t, byCategory["kicks"], 1)
	assert.Equal(t, "kick01.wav", byCategory["kicks"][0].Name)
	assert.Equal(t, []string{"punchy", "deep"}, byCategory["kicks"][0].Tags)
}

func TestSampleExtensionRejected(t *testing.T) {
	svc := newTestAssets(t)

	_, err := svc.SaveSample("kicks", "notes.txt", []byte("nope"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedAssetType)

	_, err = svc.SaveSample("kicks", "loop.AIFF", []byte("data"), nil)
	assert.NoError(t, err, "extension check is case-insensitive")
}

func TestSampleSizeLimits(t *testing.T) {
	svc := NewAssetsService(AssetsConfig{
		Root:           t.TempDir(),
		MaxSampleBytes: 10,
		MaxTotalBytes:  16,
	})

	_, err := svc.SaveSample("kicks", "big.wav", make([]byte, 11), nil)
	assert.ErrorIs(t, err, ErrAssetTooLarge)

	_, err = svc.SaveSample("kicks", "one.wav", make([]byte, 10), nil)
	require.NoError(t, err)

	_, err = svc.SaveSample("kicks", "two.wav", make([]byte, 10), nil)
	assert.ErrorIs(t, err, ErrStorageFull)
}

func TestDeleteSamplePrunesEmptyCategory(t *testing.T) {
	svc := newTestAssets(t)

	_, err := svc.SaveSample("snares", "sn.wav", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSample("snares", "sn.wav"))
	assert.ErrorIs(t, svc.DeleteSample("snares", "sn.wav"), ErrAssetNotFound)

	_, err = os.Stat(filepath.Join(svc.samplesDir(), "snares"))
	assert.True(t, os.IsNotExist(err), "empty category directory should be removed")

	byCategory, err := svc.Samples()
	require.NoError(t, err)
	assert.Empty(t, byCategory)
}

func TestSynthDefLifecycle(t *testing.T) {
	svc := newTestAssets(t)

	info, err := svc.SaveSynthDef("acid.scd", []byte("SynthDef(\\acid, {})"))
	require.NoError(t, err)
	assert.Equal(t, "acid.scd", info.Name)

	_, err = svc.SaveSynthDef("drums.wav", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedAssetType)

	defs, err := svc.SynthDefs()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "acid.scd", defs[0].Name)
	assert.NotEmpty(t, defs[0].UploadedAt)

	// extension may be omitted on delete
	deleted, err := svc.DeleteSynthDef("acid")
	require.NoError(t, err)
	assert.Equal(t, "acid.scd", deleted)
	_, err = svc.DeleteSynthDef("acid.scd")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestPathTraversalRejected(t *testing.T) {
	svc := newTestAssets(t)

	cases := []struct {
		category string
		filename string
	}{
		{"../escape", "kick.wav"},
		{"kicks", "../../etc/passwd.wav"},
		{"kicks", ".hidden.wav"},
		{"", "kick.wav"},
		{"kicks", ""},
	}
	for _, tc := range cases {
		_, err := svc.SaveSample(tc.category, tc.filename, []byte("x"), nil)
		assert.ErrorIs(t, err, ErrInvalidAssetName, "category=%q filename=%q", tc.category, tc.filename)
	}

	assert.ErrorIs(t, svc.DeleteSample("..", "kick.wav"), ErrInvalidAssetName)
}

func TestAssetsInfoTotals(t *testing.T) {
	svc := newTestAssets(t)

	_, err := svc.SaveSample("kicks", "a.wav", make([]byte, 1024), nil)
	require.NoError(t, err)
	_, err = svc.SaveSample("kicks", "b.wav", make([]byte, 1024), nil)
	require.NoError(t, err)
	_, err = svc.SaveSample("snares", "c.wav", make([]byte, 1024), nil)
	require.NoError(t, err)
	_, err = svc.SaveSynthDef("pad.scd", []byte("x"))
	require.NoError(t, err)

	info, err := svc.Info()
	require.NoError(t, err)
	assert.Equal(t, 3, info.Samples.Total)
	assert.Equal(t, map[string]int{"kicks": 2, "snares": 1}, info.Samples.Categories)
	assert.Equal(t, 1, info.SynthDefs.Total)
	assert.Greater(t, info.Storage.TotalLimitMB, info.Storage.FileLimitMB)
}

func TestMetadataSurvivesRestart(t *testing.T) {
	root := t.TempDir()

	first := NewAssetsService(AssetsConfig{Root: root})
	saved, err := first.SaveSample("hats", "hh.wav", []byte("x"), []string{"closed"})
	require.NoError(t, err)

	second := NewAssetsService(AssetsConfig{Root: root})
	byCategory, err := second.Samples()
	require.NoError(t, err)
	require.Len(t, byCategory["hats"], 1)
	assert.Equal(t, saved.UploadedAt, byCategory["hats"][0].UploadedAt)
	assert.Equal(t, []string{"closed"}, byCategory["hats"][0].Tags)
}
