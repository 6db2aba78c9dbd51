package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"contentline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	recs, err := Applied(conn)
	require.NoError(t, err)
	require.Empty(t, recs)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	steps, err := Steps()
	require.NoError(t, err)
	recs, err = Applied(conn)
	require.NoError(t, err)
	require.Len(t, recs, len(steps))
	require.Equal(t, steps[0].Name, recs[0].Name)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM meta`).Scan(&n))
	require.Zero(t, n)
}

func TestReadStepsOrdersAndValidates(t *testing.T) {
	steps, err := readSteps(fstest.MapFS{
		"sql/0010_b.sql": {Data: []byte("SELECT 2")},
		"sql/0002_a.sql": {Data: []byte("SELECT 1")},
		"sql/README.txt": {Data: []byte("ignored")},
	}, "sql")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 2, steps[0].Version)
	require.Equal(t, 10, steps[1].Version)

	_, err = readSteps(fstest.MapFS{"sql/init.sql": {Data: []byte("")}}, "sql")
	require.Error(t, err)
	_, err = readSteps(fstest.MapFS{
		"sql/0001_a.sql": {Data: []byte("")},
		"sql/1_b.sql":    {Data: []byte("")},
	}, "sql")
	require.Error(t, err)
}

func TestApplyRollsBackFailedStep(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	err = apply(conn, []Step{
		{Version: 1, Name: "0001_ok.sql", SQL: "CREATE TABLE t1(x INTEGER)"},
		{Version: 2, Name: "0002_bad.sql", SQL: "CREATE TABLE"},
	})
	require.Error(t, err)
	recs, err := Applied(conn)
	require.NoError(t, err)
	require.Empty(t, recs)
}
