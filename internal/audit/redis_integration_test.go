package audit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/newser-intel/internal/audit"
)

func TestRedisStreamAppendList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	sink := audit.NewRedisStream(client, 1000)
	for i := 0; i < 3; i++ {
		if err := sink.Append(ctx, audit.Entry{StoryID: "s1", From: "factcheck", To: "greek", Kind: "request", Summary: fmt.Sprintf("claim %d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Append(ctx, audit.Entry{}); err == nil {
		t.Fatalf("expected error without story id")
	}
	entries, err := sink.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[2].Summary != "claim 2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if other, _ := sink.List(ctx, "s2"); len(other) != 0 {
		t.Fatalf("stories must not share streams")
	}
}
