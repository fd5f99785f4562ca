package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deckhand-ai/deckhand/config"
)

// exerciseKV runs the shared backend contract: upsert, read, list, delete,
// counter and drop semantics must match the memory backend exactly.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if err := kv.Put(ctx, "tasks", "a", []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Put(ctx, "tasks", "a", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := kv.Get(ctx, "tasks", "a")
	if err != nil || !ok || string(got) != "two" {
		t.Fatalf("Get = %q ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := kv.Get(ctx, "tasks", "missing"); ok {
		t.Fatalf("phantom row")
	}

	if err := kv.Put(ctx, "tasks", "b", []byte("three")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	all, err := kv.All(ctx, "tasks")
	if err != nil || len(all) != 2 {
		t.Fatalf("All = %v err=%v", all, err)
	}

	for want := int64(1); want <= 3; want++ {
		if got, err := kv.Incr(ctx, "events", "seq"); err != nil || got != want {
			t.Fatalf("Incr = %d err=%v, want %d", got, err, want)
		}
	}

	if err := kv.Delete(ctx, "tasks", "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "tasks", "b"); ok {
		t.Fatalf("deleted row still present")
	}

	if err := kv.DropTable(ctx, "events"); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if got, err := kv.Incr(ctx, "events", "seq"); err != nil || got != 1 {
		t.Fatalf("counter survived DropTable: %d err=%v", got, err)
	}
}

func TestPostgresKVIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("deckhand"),
		tcPostgres.WithUsername("deckhand"),
		tcPostgres.WithPassword("deckhand"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	kv, err := NewPostgresKV(config.PostgresConfig{
		URL:     fmt.Sprintf("postgres://deckhand:deckhand@%s:%s/deckhand?sslmode=disable", host, port.Port()),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewPostgresKV: %v", err)
	}
	defer kv.Close()

	exerciseKV(t, kv)
}

func TestRedisKVIntegration(t *testing.T) {
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

	kv, err := NewRedisKV(config.RedisConfig{Host: host, Port: port.Port(), Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewRedisKV: %v", err)
	}
	defer kv.Close()

	exerciseKV(t, kv)
}
