package pgstore

import (
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/zoravur/live-mirror/internal/feed"
)

const DefaultTable = "documents"

// queries builds every statement the store runs. All of them are prepared,
// so values travel as parameters.
type queries struct {
	db    goqu.DialectWrapper
	table string
}

func newQueries(table string) queries {
	return queries{db: goqu.Dialect("postgres"), table: table}
}

func (q queries) where(collection, key string) exp.Ex {
	return goqu.Ex{"collection": collection, "key": key}
}

func (q queries) selectValue(collection, key string) (string, []any, error) {
	return q.db.From(q.table).
		Select("value").
		Where(q.where(collection, key)).
		Prepared(true).
		ToSQL()
}

func (q queries) selectValueForUpdate(collection, key string) (string, []any, error) {
	return q.db.From(q.table).
		Select("value").
		Where(q.where(collection, key)).
		ForUpdate(exp.Wait).
		Prepared(true).
		ToSQL()
}

func (q queries) upsert(collection, key string, raw []byte) (string, []any, error) {
	return q.db.Insert(q.table).
		Rows(goqu.Record{
			"collection": collection,
			"key":        key,
			"value":      string(raw),
		}).
		OnConflict(goqu.DoUpdate("collection, key", goqu.Record{
			"value":      goqu.L("EXCLUDED.value"),
			"updated_at": goqu.L("now()"),
		})).
		Prepared(true).
		ToSQL()
}

func (q queries) delete(collection, key string) (string, []any, error) {
	return q.db.Delete(q.table).
		Where(q.where(collection, key)).
		Prepared(true).
		ToSQL()
}

// lock serialises transactional updates of one path, including paths that
// have no row yet for FOR UPDATE to lock.
func (q queries) lock(path string) (string, []any, error) {
	return q.db.Select(goqu.Func("pg_advisory_xact_lock", goqu.Func("hashtextextended", path, 0))).
		Prepared(true).
		ToSQL()
}

// window selects the first Limit children of a collection in the same order
// feed.CompareEntries uses: by JSON type rank (null, bool, number, string,
// container), then by value within the type, then by key.
func (q queries) window(collection string, rq feed.RangeQuery) (string, []any, error) {
	ds := q.db.From(q.table).
		Select("key", "value").
		Where(goqu.C("collection").Eq(collection))

	if rq.OrderBy != "" {
		field := goqu.L("(value #> ?::text[])", fieldPath(rq.OrderBy))
		ds = ds.Order(
			goqu.L(`CASE jsonb_typeof(?) WHEN 'boolean' THEN 1 WHEN 'number' THEN 2 WHEN 'string' THEN 3 `+
				`WHEN 'array' THEN 4 WHEN 'object' THEN 4 ELSE 0 END`, field).Asc(),
			goqu.L(`CASE WHEN jsonb_typeof(?) = 'boolean' THEN (?)::boolean END`, field, field).Asc(),
			goqu.L(`CASE WHEN jsonb_typeof(?) = 'number' THEN (?)::numeric END`, field, field).Asc(),
			goqu.L(`(CASE WHEN jsonb_typeof(?) = 'string' THEN ? #>> '{}' END) COLLATE "C"`, field, field).Asc(),
		)
	}

	return ds.OrderAppend(goqu.L(`key COLLATE "C"`).Asc()).
		Limit(uint(rq.Limit)).
		Prepared(true).
		ToSQL()
}

// fieldPath turns "a/b" into the Postgres text array literal {"a","b"}.
func fieldPath(field string) string {
	parts := strings.Split(strings.Trim(field, "/"), "/")
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(p))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
