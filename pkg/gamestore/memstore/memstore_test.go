package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wyldmark/fable/pkg/gamestore"
)

func TestHashAndSetOps(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	if err := st.HSet(ctx, "game:s1:state", map[string]string{"status": "active"}); err != nil {
		t.Fatal(err)
	}
	h, err := st.HGetAll(ctx, "game:s1:state")
	if err != nil {
		t.Fatal(err)
	}
	if h["status"] != "active" {
		t.Fatalf("status=%q", h["status"])
	}

	if err := st.SAdd(ctx, "game:s1:players", "p1", "p2", "p1"); err != nil {
		t.Fatal(err)
	}
	n, err := st.SCard(ctx, "game:s1:players")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("cardinality=%d want 2", n)
	}
	if err := st.SRem(ctx, "game:s1:players", "p1"); err != nil {
		t.Fatal(err)
	}
	members, err := st.SMembers(ctx, "game:s1:players")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "p2" {
		t.Fatalf("members=%v", members)
	}
}

func TestLogAppendAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(map[string]string{"action": "look"})
		e, err := st.Append(ctx, "game:s1:events", gamestore.LogEntry{PlayerID: "p1", Payload: payload})
		if err != nil {
			t.Fatal(err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("seq=%d want %d", e.Seq, i+1)
		}
	}
	entries, err := st.Range(ctx, "game:s1:events")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len=%d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestKeysPatternScan(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	_ = st.HSet(ctx, "game:a:state", map[string]string{"status": "active"})
	_ = st.HSet(ctx, "game:b:state", map[string]string{"status": "ended"})
	_ = st.SAdd(ctx, "game:a:players", "p1")
	_ = st.Set(ctx, "lore:item_1", "{}")

	keys, err := st.Keys(ctx, "game:*:state")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys=%v", keys)
	}

	keys, err = st.Keys(ctx, "lore:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "lore:item_1" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestDeleteRemovesAllRecordKinds(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	_ = st.HSet(ctx, "game:s1:state", map[string]string{"status": "active"})
	_ = st.SAdd(ctx, "game:s1:players", "p1")
	_, _ = st.Append(ctx, "game:s1:events", gamestore.LogEntry{PlayerID: "p1"})

	if err := st.Delete(ctx, "game:s1:state", "game:s1:players", "game:s1:events"); err != nil {
		t.Fatal(err)
	}
	h, _ := st.HGetAll(ctx, "game:s1:state")
	if len(h) != 0 {
		t.Fatalf("state=%v", h)
	}
	n, _ := st.SCard(ctx, "game:s1:players")
	if n != 0 {
		t.Fatalf("players=%d", n)
	}
	entries, _ := st.Range(ctx, "game:s1:events")
	if len(entries) != 0 {
		t.Fatalf("events=%v", entries)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	s1, err := st.Subscribe(ctx, "game:s1:updates")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := st.Subscribe(ctx, "game:s1:updates")
	if err != nil {
		t.Fatal(err)
	}
	other, err := st.Subscribe(ctx, "game:s2:updates")
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Publish(ctx, "game:s1:updates", []byte(`{"type":"narrative"}`)); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []gamestore.Subscription{s1, s2} {
		select {
		case msg := <-sub.C():
			if msg.Channel != "game:s1:updates" {
				t.Fatalf("channel=%s", msg.Channel)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	select {
	case msg := <-other.C():
		t.Fatalf("unexpected delivery on other channel: %+v", msg)
	default:
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	st := New()
	t.Cleanup(func() { _ = st.Close() })

	sub, err := st.Subscribe(ctx, "game:s1:updates")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Publish(ctx, "game:s1:updates", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
}
