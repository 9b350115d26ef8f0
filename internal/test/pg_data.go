package test

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

const DefaultSeed = 123

type InsertOpts struct {
	Seed int64

	Max      int
	Interval time.Duration
}

// DataConn connects as the superuser, which owns the test tables.
func DataConn(t *testing.T, cfg pgx.ConnConfig) *pgx.Conn {
	t.Helper()
	cfg.User = "postgres"
	cfg.Config.User = "postgres"
	c, err := pgx.ConnectConfig(context.Background(), &cfg)
	require.NoError(t, err)
	return c
}

// InsertAccounts inserts opts.Max accounts in separate transactions, returning
// their IDs in insertion order.  IDs and names are deterministic for a given seed.
func InsertAccounts(t *testing.T, ctx context.Context, cfg pgx.ConnConfig, opts InsertOpts) []uuid.UUID {
	t.Helper()

	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.Max == 0 {
		opts.Max = 1
	}

	c := DataConn(t, cfg)
	defer c.Close(ctx)

	at := time.Unix(1725000000, 0).UTC()
	rnd := rand.New(rand.NewSource(opts.Seed))

	ids := make([]uuid.UUID, 0, opts.Max)
	for i := 0; i < opts.Max; i++ {
		name := hash(rnd.Int63())
		pk := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
		_, err := c.Exec(ctx,
			`INSERT INTO accounts
				(id, name, billing_email, concurrency, enabled, metadata, created_at, updated_at) VALUES
				($1, $2,   $3,            $4,          $5,      $6,       $7,         $8)`,
			pk,
			name,
			name+"@example.com",
			rnd.Intn(100),
			true,
			[]byte(`{"ok":true}`),
			at,
			at,
		)
		require.NoError(t, err)
		ids = append(ids, pk)

		if opts.Interval > 0 {
			<-time.After(opts.Interval)
		}
	}
	return ids
}

func hash(in any) string {
	switch v := in.(type) {
	case string:
		ui := xxhash.Sum64String(v)
		return strconv.FormatUint(ui, 36)
	default:
		ui := xxhash.Sum64String(fmt.Sprintf("%v", in))
		return strconv.FormatUint(ui, 36)
	}
}
