package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows at any instant.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_send_per_step",
			SQL: `SELECT step_id, COUNT(*) FROM outreach_logs
                  WHERE status = 'sent' AND step_id IS NOT NULL
                  GROUP BY step_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_sent_step_has_log",
			SQL: `SELECT s.id FROM outreach_steps s
                  WHERE s.status = 'SENT'
                    AND NOT EXISTS (SELECT 1 FROM outreach_logs l WHERE l.step_id = s.id AND l.status = 'sent')`,
		},
		{
			Name: "O3_closed_sequence_has_open_steps",
			SQL: `SELECT q.id, s.id, s.status FROM outreach_sequences q
                  JOIN outreach_steps s ON s.sequence_id = q.id
                  WHERE q.status IN ('CONVERTED','CLOSED_LOST') AND s.status IN ('DRAFTED','QUEUED')`,
		},
		{
			Name: "O4_opted_out_contact_has_live_sequence",
			SQL: `SELECT c.id, q.id, q.status FROM contacts c
                  JOIN outreach_sequences q ON q.contact_id = c.id
                  WHERE c.outreach_status = 'OPTED_OUT'
                    AND q.status IN ('DRAFTED','QUEUED','ACTIVE','BOOKING')`,
		},
		{
			Name: "O5_opted_out_without_timestamp",
			SQL: `SELECT id FROM contacts
                  WHERE (outreach_status = 'OPTED_OUT') <> (opted_out_at IS NOT NULL)`,
		},
		{
			Name: "O6_single_open_call_task",
			SQL: `SELECT prospect_id, metadata->>'trigger_source', COUNT(*) FROM outreach_logs
                  WHERE channel = 'call' AND status = 'touch_open'
                  GROUP BY prospect_id, metadata->>'trigger_source' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_reply_per_message",
			SQL: `SELECT provider, provider_message_id, COUNT(*) FROM reply_logs
                  WHERE provider_message_id <> ''
                  GROUP BY provider, provider_message_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_stale_outbox",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
