package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_SortsByVersionAndSkipsOthers(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_indexes.sql": {Data: []byte("CREATE INDEX x ON y (z);")},
		"m/002_seed.sql":    {Data: []byte("INSERT INTO t VALUES (1);")},
		"m/001_init.sql":    {Data: []byte("CREATE TABLE t (id int);")},
		"m/README.md":       {Data: []byte("notes")},
		"m/draft.sql":       {Data: []byte("-- no version")},
	}

	got, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{got[0].Version, got[1].Version, got[2].Version})
	assert.Equal(t, "001_init.sql", got[0].Name)
}

func TestLoadMigrations_EmbeddedSchemaHasSlotGuard(t *testing.T) {
	got, err := LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[0].Version)
	assert.True(t, strings.Contains(got[0].SQL, "appointments_active_slot_uniq"))
	assert.True(t, strings.Contains(got[0].SQL, "WHERE status <> 'CANCELED'"))
}
