package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		sql  string
		want SQLType
	}{
		{"", SQLUnknown},
		{"   ;  ", SQLUnknown},
		{"SET search_path TO app", SQLUnknown},
		{"BEGIN", SQLUnknown},
		{"SELECT * FROM users", SQLReadOnly},
		{"select id from users where lower(name) = $1", SQLReadOnly},
		{"  -- leading comment\nSELECT 1", SQLReadOnly},
		{"/* hint */ SELECT * FROM t;", SQLReadOnly},
		{"WITH x AS (SELECT 1) SELECT * FROM x", SQLReadOnly},
		{"WITH recent AS (SELECT id FROM t) SELECT id FROM recent", SQLReadOnly},
		{"WITH moved AS (DELETE FROM a RETURNING *) INSERT INTO b SELECT * FROM moved", SQLWrite},
		{"SHOW server_version", SQLReadOnly},
		{"EXPLAIN SELECT * FROM t", SQLReadOnly},
		{"EXPLAIN ANALYZE DELETE FROM t", SQLWrite},
		{"TABLE users", SQLReadOnly},
		{"SELECT * INTO backup FROM users", SQLWrite},
		{"SELECT count(*) FROM users", SQLWrite},
		{"SELECT * FROM users FOR UPDATE", SQLWrite},
		{"SELECT * FROM users FOR UPDATE -- row", SQLWrite},
		{"SELECT * FROM users /* FOR UPDATE */", SQLReadOnly},
		{"INSERT INTO t VALUES (1)", SQLWrite},
		{"update t set a = 1", SQLWrite},
		{"DELETE FROM t", SQLWrite},
		{"MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN DELETE", SQLWrite},
		{"CREATE TABLE t (id int)", SQLWrite},
		{"TRUNCATE t", SQLWrite},
		{"CALL do_things()", SQLWrite},
		{"VACUUM", SQLWrite},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.sql), tc.sql)
	}
}

func TestIsSelectForUpdate(t *testing.T) {
	locking := []string{
		"SELECT * FROM t FOR UPDATE",
		"select * from t for update;",
		"SELECT * FROM t FOR NO KEY UPDATE",
		"SELECT * FROM t FOR SHARE",
		"SELECT * FROM t FOR KEY SHARE",
		"SELECT * FROM t FOR UPDATE NOWAIT",
		"SELECT * FROM jobs FOR UPDATE SKIP LOCKED",
		"SELECT * FROM a JOIN b USING (id) FOR UPDATE OF a",
		"SELECT *\n  FROM t\n  FOR   UPDATE",
		"SELECT * FROM t FOR UPDATE -- lock row",
		"SELECT * FROM t FOR UPDATE /* lock */",
		"SELECT * FROM t FOR UPDATE;  -- x",
		"-- pick a job\nSELECT * FROM jobs /* oldest */ FOR UPDATE SKIP LOCKED\n-- done",
	}
	for _, sql := range locking {
		assert.True(t, IsSelectForUpdate(sql), sql)
	}
	plain := []string{
		"",
		"SELECT * FROM t",
		"SELECT 'for update' AS x FROM t WHERE y = 1",
		"SELECT * FROM t -- FOR UPDATE",
		"SELECT * FROM t /* FOR UPDATE */",
		"SELECT '-- x' FROM t",
		"UPDATE t SET a = 1",
	}
	for _, sql := range plain {
		assert.False(t, IsSelectForUpdate(sql), sql)
	}
}

func TestStatementKindHelpers(t *testing.T) {
	assert.True(t, IsUpdate("UPDATE t SET a = 1"))
	assert.False(t, IsUpdate("updated_at"))
	assert.True(t, IsDelete("  delete from t"))
	assert.True(t, IsInsert("/* x */ INSERT INTO t VALUES (1)"))
	assert.False(t, IsInsert("SELECT 1"))
	assert.True(t, IsSet("SET x = 1"))
	assert.False(t, IsSet("SETTINGS"))
	assert.True(t, IsWrite("DELETE FROM t"))
	assert.False(t, IsWrite("SELECT 1"))
}

func TestIsFunctionCall(t *testing.T) {
	assert.True(t, IsFunctionCall("SELECT pg_advisory_lock(1)"))
	assert.True(t, IsFunctionCall("SELECT now()"))
	assert.False(t, IsFunctionCall("SELECT * FROM t WHERE id IN (1, 2)"))
	assert.False(t, IsFunctionCall("SELECT * FROM t"))
	assert.False(t, IsFunctionCall("SELECT * FROM a JOIN b USING (id)"))
	assert.False(t, IsFunctionCall("SELECT * FROM (SELECT 1) AS x"))
	assert.False(t, IsFunctionCall("SELECT EXISTS (SELECT 1 FROM t)"))
	assert.False(t, IsFunctionCall(""))
}

func TestSQLTypeString(t *testing.T) {
	assert.Equal(t, "unknown", SQLUnknown.String())
	assert.Equal(t, "write", SQLWrite.String())
	assert.Equal(t, "read_only", SQLReadOnly.String())
}
