package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_dispute_per_order",
			SQL: `SELECT order_id, COUNT(*) FROM disputes
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_resolution_matches_status",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status IN ('resolved','appealed','closed'))
                        <> (jsonb_typeof(document->'Resolution') = 'object')`,
		},
		{
			Name: "O3_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY dispute_id ORDER BY seq) AS pos
                      FROM dispute_timeline)
                  SELECT * FROM seqs WHERE seq <> pos`,
		},
		{
			Name: "O4_timeline_ts_non_decreasing",
			SQL: `WITH ordered AS (
                      SELECT dispute_id, seq, ts,
                             LAG(ts) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM dispute_timeline)
                  SELECT * FROM ordered WHERE prev IS NOT NULL AND ts < prev`,
		},
		{
			Name: "O5_timeline_mirrors_document",
			SQL: `SELECT d.id, jsonb_array_length(d.document->'Timeline') AS doc_len, COUNT(t.seq) AS rows
                  FROM disputes d LEFT JOIN dispute_timeline t ON t.dispute_id = d.id
                  GROUP BY d.id, d.document
                  HAVING jsonb_array_length(d.document->'Timeline') <> COUNT(t.seq)`,
		},
		{
			Name: "O6_confidence_in_range",
			SQL: `SELECT id FROM disputes
                  WHERE jsonb_typeof(document->'AutoAssessment') = 'object'
                    AND ((document->'AutoAssessment'->>'ConfidenceScore')::int NOT BETWEEN 0 AND 100)`,
		},
		{
			Name: "O7_single_resolution_entry",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_timeline
                  WHERE action = 'status_changed' AND metadata->>'next_status' = 'resolved'
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_version_positive",
			SQL:  `SELECT id, version FROM disputes WHERE version < 1`,
		},
		{
			Name: "O9_delete_guards",
			SQL: `SELECT 'missing_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_disputes')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='dispute_timeline_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
