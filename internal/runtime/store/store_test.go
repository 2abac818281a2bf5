package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

type loanSaga struct {
	sagapkg.Data
	Applicant string   `json:"applicant"`
	Quotes    []string `json:"quotes"`
}

type quoteExpired struct {
	sagapkg.MessageBase
	Bank string `json:"bank"`
}

type housekeeping struct {
	Task string `json:"task"`
}

type retiredTask struct {
	Name string `json:"name"`
}

func openSQLiteMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testSagaPersister(t *testing.T, p sagapkg.Persister) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := p.Find(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	s := &loanSaga{Applicant: "ada"}
	s.SetSagaID(idspkg.New())
	require.NoError(t, p.Save(ctx, s))

	found, ok, err := p.Find(ctx, s.SagaID())
	require.NoError(t, err)
	require.True(t, ok)
	loaded := found.(*loanSaga)
	assert.Equal(t, "ada", loaded.Applicant)
	assert.Equal(t, s.SagaID(), loaded.SagaID())

	loaded.Quotes = append(loaded.Quotes, "bank-a")
	require.NoError(t, p.Save(ctx, loaded))
	found, _, err = p.Find(ctx, s.SagaID())
	require.NoError(t, err)
	assert.Equal(t, []string{"bank-a"}, found.(*loanSaga).Quotes)

	require.NoError(t, p.Complete(ctx, s.SagaID()))
	_, ok, err = p.Find(ctx, s.SagaID())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, p.Save(ctx, &loanSaga{}))
}

func testTimeoutPersister(t *testing.T, p timeoutpkg.Persister) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := timeoutpkg.NewMessage(time.Second, quoteExpired{MessageBase: sagapkg.MessageBase{SagaID: "A"}, Bank: "x"}, base)
	b := timeoutpkg.NewMessage(2*time.Second, quoteExpired{MessageBase: sagapkg.MessageBase{SagaID: "B"}, Bank: "y"}, base)
	h1 := timeoutpkg.NewMessage(time.Minute, housekeeping{Task: "vacuum"}, base)
	h2 := timeoutpkg.NewMessage(time.Minute, housekeeping{Task: "rotate"}, base)
	for _, m := range []*timeoutpkg.Message{a, b, h1, h2} {
		require.NoError(t, p.Save(ctx, m))
	}

	pending, err := p.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)

	expired, err := p.FindAllExpiredTimeouts(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = p.FindAllExpiredTimeouts(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, a.ID, expired[0].ID)
	assert.Equal(t, a.At, expired[0].At)
	assert.Equal(t, a.Created, expired[0].Created)
	assert.Equal(t, time.Second, expired[0].Duration)
	assert.Equal(t, a.DelayedMessage, expired[0].DelayedMessage)

	removed, err := p.AbortTimeout(ctx, quoteExpired{MessageBase: sagapkg.MessageBase{SagaID: "A"}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	expired, err = p.FindAllExpiredTimeouts(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 3)
	assert.Equal(t, b.ID, expired[0].ID)

	claimed, err := p.Complete(ctx, expired[0])
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = p.Complete(ctx, expired[0])
	require.NoError(t, err)
	assert.False(t, claimed)

	removed, err = p.AbortTimeout(ctx, housekeeping{})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = p.AbortTimeout(ctx, struct{ Unknown bool }{})
	require.NoError(t, err)
	assert.Zero(t, removed)

	pending, err = p.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

// testTimeoutsAcrossRegistries has writer store a timeout whose type the
// reader's registry never saw, as after a restart or a retired message type.
func testTimeoutsAcrossRegistries(t *testing.T, writer, reader timeoutpkg.Persister) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	retired := timeoutpkg.NewMessage(time.Second, retiredTask{Name: "legacy"}, base)
	require.NoError(t, writer.Save(ctx, retired))
	current := timeoutpkg.NewMessage(2*time.Second, housekeeping{Task: "vacuum"}, base)
	require.NoError(t, reader.Save(ctx, current))

	expired, err := reader.FindAllExpiredTimeouts(ctx, base.Add(time.Minute))
	var undecodable *timeoutpkg.UndecodableError
	require.ErrorAs(t, err, &undecodable)
	assert.Equal(t, retired.ID, undecodable.ID)
	require.Len(t, expired, 1)
	assert.Equal(t, current.ID, expired[0].ID)

	var (
		published []any
		failures  []string
	)
	svc, err := timeoutpkg.NewService(reader,
		timeoutpkg.PublisherFunc(func(_ context.Context, payload any) error {
			published = append(published, payload)
			return nil
		}),
		timeoutpkg.Options{
			Now: func() time.Time { return base.Add(time.Minute) },
			Hooks: timeoutpkg.Hooks{OnError: func(m *timeoutpkg.Message, _ error) {
				failures = append(failures, m.ID)
			}},
		})
	require.NoError(t, err)

	delivered, err := svc.Poll(ctx)
	assert.ErrorAs(t, err, &undecodable)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []any{housekeeping{Task: "vacuum"}}, published)
	assert.Equal(t, []string{retired.ID}, failures)

	removed, err := reader.AbortTimeout(ctx, retiredTask{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	pending, err := reader.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSQLiteTimeoutsAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	db := openSQLiteMemory(t)
	writer, err := NewSQLTimeoutPersister(ctx, db, SQLite, typeregistrypkg.New())
	require.NoError(t, err)
	reader, err := NewSQLTimeoutPersister(ctx, db, SQLite, typeregistrypkg.New())
	require.NoError(t, err)
	testTimeoutsAcrossRegistries(t, writer, reader)
}

func TestSQLiteSagaPersister(t *testing.T) {
	p, err := NewSQLSagaPersister(context.Background(), openSQLiteMemory(t), SQLite, typeregistrypkg.New())
	require.NoError(t, err)
	testSagaPersister(t, p)
}

func TestSQLiteTimeoutPersister(t *testing.T) {
	p, err := NewSQLTimeoutPersister(context.Background(), openSQLiteMemory(t), SQLite, typeregistrypkg.New())
	require.NoError(t, err)
	testTimeoutPersister(t, p)
}

func TestSQLitePersistersSurviveReopen(t *testing.T) {
	path := t.TempDir() + "/flowbus.db"
	ctx := context.Background()
	types := typeregistrypkg.New()
	types.Register(&loanSaga{})

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	p, err := NewSQLSagaPersister(ctx, db, SQLite, types)
	require.NoError(t, err)
	s := &loanSaga{Applicant: "grace"}
	s.SetSagaID("loan-1")
	require.NoError(t, p.Save(ctx, s))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	p, err = NewSQLSagaPersister(ctx, db, SQLite, types)
	require.NoError(t, err)
	found, ok, err := p.Find(ctx, "loan-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "grace", found.(*loanSaga).Applicant)
}

func TestDialectRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, Postgres.rebind(q))
	assert.Equal(t, "sqlite", SQLite.String())
	assert.Equal(t, "postgres", Postgres.String())
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, &configpkg.Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", mem.Name)
	assert.IsType(t, &sagapkg.MemoryPersister{}, mem.Sagas)
	assert.NoError(t, mem.Close())

	lite, err := Open(ctx, &configpkg.Config{PersistenceBackend: "sqlite", SQLiteFile: ":memory:"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLTimeoutPersister{}, lite.Timeouts)
	assert.NoError(t, lite.Close())

	_, err = Open(ctx, &configpkg.Config{PersistenceBackend: "bolt"}, nil, nil)
	assert.ErrorContains(t, err, "unknown backend")

	_, err = Open(ctx, nil, nil, nil)
	assert.Error(t, err)

	_, err = OpenRedis(ctx, RedisOptions{})
	assert.Error(t, err)
}

func TestPostgresPersisters(t *testing.T) {
	url := os.Getenv("FLOWBUS_POSTGRES_URL")
	if url == "" {
		t.Skip("FLOWBUS_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer db.Close()
	_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS flowbus_timeouts, flowbus_sagas`)

	sagas, err := NewSQLSagaPersister(ctx, db, Postgres, nil)
	require.NoError(t, err)
	testSagaPersister(t, sagas)

	timeouts, err := NewSQLTimeoutPersister(ctx, db, Postgres, nil)
	require.NoError(t, err)
	testTimeoutPersister(t, timeouts)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("FLOWBUS_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWBUS_REDIS_ADDR not set")
	}
	client, err := OpenRedis(context.Background(), RedisOptions{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSagaPersister(t *testing.T) {
	client := redisClient(t)
	testSagaPersister(t, NewRedisSagaPersister(client, "flowbus-test:"+idspkg.New()+":", nil))
}

func TestRedisTimeoutPersister(t *testing.T) {
	client := redisClient(t)
	testTimeoutPersister(t, NewRedisTimeoutPersister(client, "flowbus-test:"+idspkg.New()+":", nil))
}

func TestRedisTimeoutsAcrossRegistries(t *testing.T) {
	client := redisClient(t)
	prefix := "flowbus-test:" + idspkg.New() + ":"
	testTimeoutsAcrossRegistries(t,
		NewRedisTimeoutPersister(client, prefix, typeregistrypkg.New()),
		NewRedisTimeoutPersister(client, prefix, typeregistrypkg.New()))
}
