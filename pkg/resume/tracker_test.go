package resume

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisTrackerMembership(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	tracker, err := NewRedisTracker(ctx, Config{Addr: srv.Addr(), Key: "test:processed"})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	defer tracker.Close()

	ok, err := tracker.IsProcessed(ctx, "/books/a.epub")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if ok {
		t.Fatalf("fresh set should be empty")
	}
	if err := tracker.MarkProcessed(ctx, "/books/a.epub"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := tracker.MarkProcessed(ctx, "/books/a.epub"); err != nil {
		t.Fatalf("mark processed twice: %v", err)
	}
	ok, _ = tracker.IsProcessed(ctx, "/books/a.epub")
	if !ok {
		t.Fatalf("expected path to be processed")
	}
	members, err := srv.Members("test:processed")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "/books/a.epub" {
		t.Fatalf("unexpected members: %v", members)
	}
	if n, _ := tracker.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestRedisTrackerClear(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	tracker, err := NewRedisTracker(ctx, Config{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	defer tracker.Close()

	for _, p := range []string{"/a.epub", "/b.epub"} {
		if err := tracker.MarkProcessed(ctx, p); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
	}
	if err := tracker.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if srv.Exists(DefaultKey) {
		t.Fatalf("expected %s to be deleted", DefaultKey)
	}
	ok, _ := tracker.IsProcessed(ctx, "/a.epub")
	if ok {
		t.Fatalf("expected empty set after clear")
	}
}

func TestConnectDegradesToNop(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := Connect(context.Background(), Config{Addr: addr}, logger)
	if tracker.Enabled() {
		t.Fatalf("expected nop tracker when redis is down")
	}
	if err := tracker.MarkProcessed(context.Background(), "/a.epub"); err != nil {
		t.Fatalf("nop mark: %v", err)
	}
	ok, err := tracker.IsProcessed(context.Background(), "/a.epub")
	if err != nil || ok {
		t.Fatalf("nop tracker must never report processed: ok=%v err=%v", ok, err)
	}
}

func TestConnectWithoutAddr(t *testing.T) {
	tracker := Connect(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, ok := tracker.(NopTracker); !ok {
		t.Fatalf("expected NopTracker, got %T", tracker)
	}
}

func TestConnectUsesRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	tracker := Connect(context.Background(), Config{Addr: srv.Addr()}, nil)
	defer tracker.Close()
	if !tracker.Enabled() {
		t.Fatalf("expected redis tracker")
	}
}
