package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/pagecapture/migrations"
)

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_indexes.up.sql":  {Data: []byte("CREATE INDEX x ON y (z);")},
		"0001_init.up.sql":     {Data: []byte("CREATE TABLE y (z INT);")},
		"0001_init.down.sql":   {Data: []byte("DROP TABLE y;")},
		"README.md":            {Data: []byte("notes")},
		"nested/0003_x.up.sql": {Data: []byte("SELECT 1;")},
	}

	names, err := ListMigrations(fsys, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.up.sql", "0002_indexes.up.sql"}, names)
	assert.Equal(t, "0001_init", Version(names[0]))
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := ListMigrations(migrations.FS, ".")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_init.up.sql", names[0])
}
