package readings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// juliandayEpoch is J0 from timebucket-all bucket formula.
const juliandayEpoch = 2440587.5

// RetrieveQuery is the JSON schema accepted by retrieveReadings.
type RetrieveQuery struct {
	Aggregate  *AggregateSpec  `json:"aggregate,omitempty"`
	Return     []ReturnColumn  `json:"return,omitempty"`
	Modifier   string          `json:"modifier,omitempty"`
	Where      *WhereClause    `json:"where,omitempty"`
	Timebucket *TimebucketSpec `json:"timebucket,omitempty"`
	Limit      *int            `json:"limit,omitempty"`
}

// AggregateSpec names an aggregation over a column. Only operation "all"
// together with a timebucket is evaluated, through the specialised
// timebucket-with-min/max/avg/count/sum path; any other aggregate is
// ignored and the query runs as a plain select.
type AggregateSpec struct {
	Operation string `json:"operation"`
	Column    string `json:"column"`
}

// ReturnColumn is a projected output column, or a JSON sub-selector when
// Column refers to a key inside the reading payload.
type ReturnColumn struct {
	Column   string `json:"column,omitempty"`
	JSON     string `json:"json,omitempty"`
	Format   string `json:"format,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Alias    string `json:"alias,omitempty"`
}

// WhereClause is a recursive filter clause.
type WhereClause struct {
	Column    string         `json:"column,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Value     any            `json:"value,omitempty"`
	And       []*WhereClause `json:"and,omitempty"`
	Or        []*WhereClause `json:"or,omitempty"`
}

// TimebucketSpec configures the fixed-size time window used for
// aggregation.
type TimebucketSpec struct {
	Timestamp string `json:"timestamp"`
	Size      string `json:"size"`
	Format    string `json:"format,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// RetrieveResult is the JSON response shape of a retrieve query:
// {count, rows}.
type RetrieveResult struct {
	Count int              `json:"count"`
	Rows  []map[string]any `json:"rows"`
}

// RetrieveReadings answers a query against a single asset's readings
// table. An empty queryJSON dumps the table.
func (s *StorageEngine) RetrieveReadings(ctx context.Context, assetCode string, queryJSON []byte) (*RetrieveResult, error) {
	ref, err := s.cat.GetReadingReference(ctx, assetCode)
	if err != nil {
		return nil, err
	}
	table := fmt.Sprintf("%s.%s", dbAlias(ref.DBID), tableName(ref.TableID))

	var q RetrieveQuery
	if len(queryJSON) > 0 {
		if err := json.Unmarshal(queryJSON, &q); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if q.Aggregate != nil && strings.EqualFold(q.Aggregate.Operation, "all") && q.Timebucket != nil {
		return s.retrieveTimebucketAll(ctx, table, &q)
	}
	return s.retrievePlain(ctx, table, &q)
}

func (s *StorageEngine) retrievePlain(ctx context.Context, table string, q *RetrieveQuery) (*RetrieveResult, error) {
	selectList := "id, reading, user_ts, ts"
	if len(q.Return) > 0 {
		cols := make([]string, 0, len(q.Return))
		for _, rc := range q.Return {
			cols = append(cols, projectionSQL(rc))
		}
		selectList = strings.Join(cols, ", ")
	}

	modifier := ""
	if q.Modifier != "" {
		modifier = q.Modifier + " "
	}

	whereSQL, args := compileWhere(q.Where)
	query := fmt.Sprintf("SELECT %s%s FROM %s", modifier, selectList, table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	if q.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *q.Limit)
	}

	return s.runQuery(ctx, query, args)
}

func projectionSQL(rc ReturnColumn) string {
	expr := rc.Column
	if rc.JSON != "" {
		expr = fmt.Sprintf("json_extract(reading, '$.%s')", rc.JSON)
	}
	switch strings.ToLower(rc.Timezone) {
	case "utc":
		expr = fmt.Sprintf("datetime(%s, 'utc')", expr)
	case "localtime":
		expr = fmt.Sprintf("datetime(%s, 'localtime')", expr)
	}
	if rc.Format != "" {
		expr = fmt.Sprintf("strftime(%s, %s)", sqliteQuote(rc.Format), expr)
	}
	alias := rc.Alias
	if alias == "" {
		alias = rc.Column
		if alias == "" {
			alias = rc.JSON
		}
	}
	return fmt.Sprintf("%s AS %s", expr, alias)
}

// compileWhere turns the recursive filter clause into a parameterised
// SQL fragment.
func compileWhere(w *WhereClause) (string, []any) {
	if w == nil {
		return "", nil
	}
	if len(w.And) > 0 {
		return joinClauses(w.And, "AND")
	}
	if len(w.Or) > 0 {
		return joinClauses(w.Or, "OR")
	}
	cond := w.Condition
	if cond == "" {
		cond = "="
	}
	return fmt.Sprintf("%s %s ?", w.Column, cond), []any{w.Value}
}

func joinClauses(clauses []*WhereClause, joiner string) (string, []any) {
	parts := make([]string, 0, len(clauses))
	var args []any
	for _, c := range clauses {
		frag, a := compileWhere(c)
		if frag == "" {
			continue
		}
		parts = append(parts, "("+frag+")")
		args = append(args, a...)
	}
	return strings.Join(parts, " "+joiner+" "), args
}

func (s *StorageEngine) runQuery(ctx context.Context, query string, args []any) (*RetrieveResult, error) {
	result := &RetrieveResult{Rows: []map[string]any{}}
	err := s.retry.Exec(ctx, func() error {
		result.Rows = result.Rows[:0]
		rows, err := s.cat.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			result.Rows = append(result.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, newStorageError(StorageErrorQuery, "retrieve readings", 0, err)
	}
	result.Count = len(result.Rows)
	return result, nil
}

// retrieveTimebucketAll implements the specialised timebucket-with-
// min/max/avg/count/sum path: a
// three-level nested SELECT expanding each reading's JSON object via
// json_each, aggregating per (bucket, key), then concatenating into one
// JSON object per bucket.
func (s *StorageEngine) retrieveTimebucketAll(ctx context.Context, table string, q *RetrieveQuery) (*RetrieveResult, error) {
	tsCol := q.Timebucket.Timestamp
	if tsCol == "" {
		tsCol = "user_ts"
	}
	size, err := strconv.ParseFloat(q.Timebucket.Size, 64)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: invalid timebucket size %q", ErrInvalidPayload, q.Timebucket.Size)
	}

	whereSQL, args := compileWhere(q.Where)
	whereClause := ""
	if whereSQL != "" {
		whereClause = "WHERE " + whereSQL
	}

	bucketExpr := fmt.Sprintf("(round((julianday(%s) - %v) * 86400.0 / %v) * %v)", tsCol, juliandayEpoch, size, size)

	inner := fmt.Sprintf(`
		SELECT %s AS bucket, je.key AS dpname, je.value AS dpvalue
		FROM %s, json_each(reading) je
		%s
	`, bucketExpr, table, whereClause)

	middle := fmt.Sprintf(`
		SELECT bucket, dpname,
			MIN(CAST(dpvalue AS REAL)) AS dmin,
			MAX(CAST(dpvalue AS REAL)) AS dmax,
			AVG(CAST(dpvalue AS REAL)) AS davg,
			COUNT(dpvalue) AS dcount,
			SUM(CAST(dpvalue AS REAL)) AS dsum
		FROM (%s)
		GROUP BY bucket, dpname
	`, inner)

	bucketOutExpr := "datetime(bucket, 'unixepoch')"
	if size < 1 {
		bucketOutExpr = "(bucket)"
	}

	outer := fmt.Sprintf(`
		SELECT %s AS timestamp,
			json_group_object(dpname, json_object('min', dmin, 'max', dmax, 'average', davg, 'count', dcount, 'sum', dsum)) AS reading
		FROM (%s)
		GROUP BY bucket
		ORDER BY bucket ASC
	`, bucketOutExpr, middle)

	if q.Limit != nil {
		outer += fmt.Sprintf(" LIMIT %d", *q.Limit)
	}

	return s.runQuery(ctx, outer, args)
}
