package sqlstore

import (
	"strconv"
	"strings"
)

// dialect は SQLite と PostgreSQL の差分を吸収します。
type dialect struct {
	name        string
	driver      string
	autoIncrPK  string
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		driver:      "sqlite3",
		autoIncrPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		name:        "postgresql",
		driver:      "postgres",
		autoIncrPK:  "SERIAL PRIMARY KEY",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// rebind は "?" プレースホルダを方言に合わせて書き換えます。
func (d dialect) rebind(query string) string {
	if d.name == sqliteDialect.name {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema は MLflow の SQL スキーマのうち、このストアが使う部分です。
func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			experiment_id ` + d.autoIncrPK + `,
			name VARCHAR(256) NOT NULL UNIQUE,
			artifact_location VARCHAR(256),
			lifecycle_stage VARCHAR(32) NOT NULL,
			creation_time BIGINT,
			last_update_time BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_tags (
			key VARCHAR(250) NOT NULL,
			value VARCHAR(5000),
			experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id),
			PRIMARY KEY (key, experiment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_uuid VARCHAR(32) PRIMARY KEY,
			name VARCHAR(250),
			experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id),
			user_id VARCHAR(256),
			status VARCHAR(9) NOT NULL,
			start_time BIGINT,
			end_time BIGINT,
			lifecycle_stage VARCHAR(20) NOT NULL,
			artifact_uri VARCHAR(200)
		)`,
		`CREATE TABLE IF NOT EXISTS params (
			key VARCHAR(250) NOT NULL,
			value VARCHAR(8000) NOT NULL,
			run_uuid VARCHAR(32) NOT NULL REFERENCES runs(run_uuid),
			PRIMARY KEY (key, run_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			key VARCHAR(250) NOT NULL,
			value VARCHAR(8000),
			run_uuid VARCHAR(32) NOT NULL REFERENCES runs(run_uuid),
			PRIMARY KEY (key, run_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			key VARCHAR(250) NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			timestamp BIGINT NOT NULL,
			step BIGINT NOT NULL DEFAULT 0,
			is_nan BOOLEAN NOT NULL DEFAULT FALSE,
			run_uuid VARCHAR(32) NOT NULL REFERENCES runs(run_uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS index_metrics_run_key ON metrics (run_uuid, key)`,
		`CREATE TABLE IF NOT EXISTS inputs (
			run_uuid VARCHAR(32) NOT NULL REFERENCES runs(run_uuid),
			name VARCHAR(500) NOT NULL,
			digest VARCHAR(36) NOT NULL,
			source_type VARCHAR(36),
			source TEXT,
			schema TEXT,
			profile TEXT,
			tags TEXT,
			position INTEGER NOT NULL,
			PRIMARY KEY (run_uuid, name, digest)
		)`,
	}
}
