//go:build integration

package sqlstore

import (
	"context"
	"encoding/json"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wyldmark/fable/pkg/gamestore"
)

func TestPostgresSessionFlow(t *testing.T) {
	ctx := context.Background()
	pg, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("fable"),
		tcpostgres.WithUsername("fable"),
		tcpostgres.WithPassword("fable"),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	// ConnectionString already carries the postgres:// scheme.
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	if err := st.HSet(ctx, "game:pg1:state", map[string]string{"status": "active"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SAdd(ctx, "game:pg1:players", "p1", "p2"); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]string{"action": "command", "target": "look around"})
	for i := 0; i < 2; i++ {
		if _, err := st.Append(ctx, "game:pg1:events", gamestore.LogEntry{PlayerID: "p1", Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := st.Range(ctx, "game:pg1:events")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("entries=%+v", entries)
	}

	keys, err := st.Keys(ctx, "game:*:state")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "game:pg1:state" {
		t.Fatalf("keys=%v", keys)
	}

	if err := st.Delete(ctx, "game:pg1:state", "game:pg1:players", "game:pg1:events"); err != nil {
		t.Fatal(err)
	}
	n, err := st.SCard(ctx, "game:pg1:players")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("players=%d", n)
	}
}
