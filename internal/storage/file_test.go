package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"heraldbot/pkg/logx"
)

func TestOpenDisabledReturnsNilStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(disabled) = %v, %v; want nil, nil", st, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreAppendsDeliveries(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "herald")
	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	rows := []DeliveryRow{
		{ID: "a", Rule: "promo-shop", DestinationID: 1, ContentRef: "promo/shop#0", SentAt: time.Now(), Outcome: "sent"},
		{ID: "b", Rule: "promo-shop", DestinationID: 2, ContentRef: "promo/shop#0", SentAt: time.Now(), Outcome: "failed", Reason: "forbidden"},
	}
	for _, r := range rows {
		if err := st.AppendDelivery(context.Background(), r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(prefix + ".deliveries.jsonl")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var got []deliveryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec deliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("log lines = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].Reason != "forbidden" {
		t.Fatalf("records = %+v", got)
	}
}

func TestFileStoreClicksSurviveReopen(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "herald")

	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.PutClick(context.Background(), "7:d1", time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := st.HasClick(context.Background(), "7:d1"); !ok {
		t.Fatal("click not visible before reopen")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if ok, _ := st2.HasClick(context.Background(), "7:d1"); !ok {
		t.Fatal("click lost across reopen")
	}
	if ok, _ := st2.HasClick(context.Background(), "7:d2"); ok {
		t.Fatal("unknown click reported present")
	}
}

func TestFileStorePutClickIsIdempotent(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "herald")
	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	for i := 0; i < 3; i++ {
		if err := st.PutClick(context.Background(), "1:d1", time.Now()); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	data, err := os.ReadFile(prefix + ".clicks.journal.jsonl")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 1 {
		t.Fatalf("journal lines = %d, want 1 (repeat puts must not append)", lines)
	}
}
