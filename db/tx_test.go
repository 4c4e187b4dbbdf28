package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/errors"
)

func TestWithTx(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "tx.db"), nil)
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		err := WithTx(ctx, database, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO kv VALUES ('a', '1')")
			return err
		})
		require.NoError(t, err)

		var v string
		require.NoError(t, database.QueryRow("SELECT v FROM kv WHERE k='a'").Scan(&v))
		assert.Equal(t, "1", v)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithTx(ctx, database, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO kv VALUES ('b', '2')"); err != nil {
				return err
			}
			return boom
		})
		assert.True(t, errors.Is(err, boom))

		var n int
		require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM kv WHERE k='b'").Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("rows affected helper", func(t *testing.T) {
		res, err := database.Exec("UPDATE kv SET v='x' WHERE k='a'")
		require.NoError(t, err)
		one, err := RowsAffectedOne(res)
		require.NoError(t, err)
		assert.True(t, one)

		res, err = database.Exec("UPDATE kv SET v='x' WHERE k='missing'")
		require.NoError(t, err)
		one, err = RowsAffectedOne(res)
		require.NoError(t, err)
		assert.False(t, one)
	})
}
