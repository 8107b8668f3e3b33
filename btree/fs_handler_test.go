package btree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPageFileCreatesEmptyTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)
	defer pf.Close()

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	pages, err := pf.LoadPages()
	require.NoError(t, err)
	require.NoError(t, Check(pages))

	header, err := pages.Header()
	require.NoError(t, err)
	assert.Equal(t, rootLeafOffset, header.RootOffset)
	assert.Zero(t, header.IdCount)
}

func TestPageFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)

	pages, err := pf.LoadPages()
	require.NoError(t, err)
	tx := pages.Begin()
	for _, id := range seq(0, 5000) {
		_, err := Insert(tx, id)
		require.NoError(t, err)
	}
	dirty := tx.Dirty()
	pages = tx.Commit()
	require.NoError(t, pf.WritePages(pages, dirty))
	require.NoError(t, pf.Close())

	pf, err = OpenPageFile(path)
	require.NoError(t, err)
	defer pf.Close()
	loaded, err := pf.LoadPages()
	require.NoError(t, err)
	require.NoError(t, Check(loaded))

	all, err := Scan(loaded, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 5000), all)
	assert.Equal(t, pages.Count(), loaded.Count())
}

func TestSecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)

	_, err = OpenPageFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, pf.Close())
	pf, err = OpenPageFile(path)
	require.NoError(t, err)
	require.NoError(t, pf.Close())
}

func TestReadPageDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)
	defer pf.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, rootLeafOffset.FileOffset()+40)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = pf.ReadPage(rootLeafOffset)
	assert.True(t, IsCorrupt(err))
	_, err = pf.LoadPages()
	assert.True(t, IsCorrupt(err))

	page, err := pf.ReadPage(1000)
	require.NoError(t, err)
	assert.Nil(t, page)
}

func TestRecoverShadowFinishesInterruptedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)
	base, err := pf.LoadPages()
	require.NoError(t, err)

	tx := base.Begin()
	for _, id := range seq(0, 1000) {
		_, err := Insert(tx, id)
		require.NoError(t, err)
	}
	dirty := tx.Dirty()
	pages := tx.Commit()

	// Crash after the shadow is synced, before any page is written in place.
	data, err := buildShadow(pages, dirty)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pf.shadowPath(), data, 0644))
	require.NoError(t, pf.Close())

	pf, err = OpenPageFile(path)
	require.NoError(t, err)
	defer pf.Close()
	n, err := pf.RecoverShadow()
	require.NoError(t, err)
	assert.Equal(t, len(dirty), n)

	shadow, err := os.ReadFile(pf.shadowPath())
	require.NoError(t, err)
	assert.Empty(t, shadow)

	loaded, err := pf.LoadPages()
	require.NoError(t, err)
	require.NoError(t, Check(loaded))
	header, err := loaded.Header()
	require.NoError(t, err)
	assert.EqualValues(t, 1000, header.IdCount)
}

func TestRecoverShadowIgnoresTornShadow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	pf, err := OpenPageFile(path)
	require.NoError(t, err)
	defer pf.Close()
	base, err := pf.LoadPages()
	require.NoError(t, err)

	tx := base.Begin()
	for _, id := range seq(0, 10) {
		_, err := Insert(tx, id)
		require.NoError(t, err)
	}
	dirty := tx.Dirty()
	data, err := buildShadow(tx.Commit(), dirty)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pf.shadowPath(), data[:len(data)-3], 0644))

	n, err := pf.RecoverShadow()
	require.NoError(t, err)
	assert.Zero(t, n)

	loaded, err := pf.LoadPages()
	require.NoError(t, err)
	header, err := loaded.Header()
	require.NoError(t, err)
	assert.Zero(t, header.IdCount)
}
