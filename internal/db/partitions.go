package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PartitionRepo creates and drops the monthly range partitions that back
// message_inbox (and, by the same naming scheme, any future partitioned
// heartbeat/log table).
type PartitionRepo struct {
	db *sqlx.DB
}

// NewPartitionRepo constructs a PartitionRepo.
func NewPartitionRepo(c *Client) *PartitionRepo {
	return &PartitionRepo{db: c.DB}
}

// EnsureUpcomingPartition calls the ensure_partition() function created by
// the schema migration for next month, so ingest never races a missing
// partition at a month boundary.
func (r *PartitionRepo) EnsureUpcomingPartition(ctx context.Context, parent string) error {
	nextMonth := time.Now().AddDate(0, 1, 0)
	_, err := r.db.ExecContext(ctx, `SELECT ensure_partition($1, $2)`, parent, nextMonth)
	if err != nil {
		return fmt.Errorf("ensure upcoming partition for %s: %w", parent, err)
	}
	return nil
}

// DropPartitionsOlderThan drops partitions of parent whose full month range
// ends before cutoff. Partition names follow the ensure_partition naming
// scheme: <parent>_pYYYYMM.
func (r *PartitionRepo) DropPartitionsOlderThan(ctx context.Context, parent string, cutoff time.Time) (int, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1 AND c.relname LIKE $1 || '\_p%'`, parent)
	if err != nil {
		return 0, fmt.Errorf("list partitions of %s: %w", parent, err)
	}

	cutoffSuffix := cutoff.Format("200601")
	dropped := 0
	for _, name := range names {
		suffix := name[len(name)-6:]
		if suffix >= cutoffSuffix {
			continue
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", name, err)
		}
		dropped++
	}
	return dropped, nil
}
