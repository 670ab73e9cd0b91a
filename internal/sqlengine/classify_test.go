package sqlengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsWriteClassification(t *testing.T) {
	cases := []struct {
		sql   string
		write bool
	}{
		{"SELECT * FROM t", false},
		{"  select * from t  ", false},
		{"EXPLAIN QUERY PLAN SELECT 1", false},
		{"PRAGMA table_info(t)", false},
		{"PRAGMA journal_mode=WAL", true},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", false},
		{"WITH cte AS (SELECT 1) INSERT INTO t SELECT * FROM cte", true},
		{"INSERT INTO t VALUES (1)", true},
		{"UPDATE t SET x = 1", true},
		{"DELETE FROM t", true},
		{"CREATE TABLE t (x)", true},
		{"", true},
	}
	for _, c := range cases {
		require.Equal(t, c.write, IsWrite(c.sql), "sql=%q", c.sql)
	}
}
