//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func TestBusPublishAndTail(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	bus, err := NewBus(ctx, "redis://"+endpoint, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	for _, n := range []string{"a", "b"} {
		if err := bus.Publish(ctx, &Event{RunID: "r1", Type: NodeStarted, Node: n}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := bus.Publish(ctx, &Event{RunID: "other", Type: NodeStarted, Node: "z"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hist, err := bus.History(ctx, "r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Node != "a" || hist[1].Node != "b" {
		t.Fatalf("got %+v", hist)
	}

	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ch := bus.Tail(tctx, "r1")
	for _, want := range []string{"a", "b"} {
		select {
		case ev := <-ch:
			if ev.Node != want {
				t.Fatalf("got node %s, want %s", ev.Node, want)
			}
		case <-tctx.Done():
			t.Fatal("tail timed out")
		}
	}
	go bus.Publish(ctx, &Event{RunID: "r1", Type: NodeFinished, Node: "c"})
	select {
	case ev := <-ch:
		if ev.Node != "c" {
			t.Fatalf("got node %s, want c", ev.Node)
		}
	case <-tctx.Done():
		t.Fatal("tail missed a live event")
	}
}
