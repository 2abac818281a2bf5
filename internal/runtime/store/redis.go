package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

const DefaultRedisPrefix = "flowbus:"

// RedisOptions configures the Redis client used by OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects to Redis and pings it.
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// RedisSagaPersister stores each saga in a hash holding its type name and
// JSON data.
type RedisSagaPersister struct {
	client redis.UniversalClient
	prefix string
	types  *typeregistrypkg.Registry
}

func NewRedisSagaPersister(client redis.UniversalClient, prefix string, types *typeregistrypkg.Registry) *RedisSagaPersister {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if types == nil {
		types = typeregistrypkg.New()
	}
	return &RedisSagaPersister{client: client, prefix: prefix, types: types}
}

func (p *RedisSagaPersister) key(id string) string { return p.prefix + "saga:" + id }

func (p *RedisSagaPersister) Find(ctx context.Context, id string) (sagapkg.Saga, bool, error) {
	fields, err := p.client.HGetAll(ctx, p.key(id)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return decodeSaga(p.types, fields["type"], []byte(fields["data"]))
}

func (p *RedisSagaPersister) Save(ctx context.Context, s sagapkg.Saga) error {
	typeName, data, err := encodeSaga(p.types, s)
	if err != nil {
		return err
	}
	return p.client.HSet(ctx, p.key(s.SagaID()), "type", typeName, "data", string(data)).Err()
}

func (p *RedisSagaPersister) Complete(ctx context.Context, id string) error {
	return p.client.Del(ctx, p.key(id)).Err()
}

// RedisTimeoutPersister keeps one hash per timeout, a sorted set of ids by
// due time and a set of ids per payload type.
type RedisTimeoutPersister struct {
	gate   timeoutpkg.AbortGate
	client redis.UniversalClient
	prefix string
	types  *typeregistrypkg.Registry
}

func NewRedisTimeoutPersister(client redis.UniversalClient, prefix string, types *typeregistrypkg.Registry) *RedisTimeoutPersister {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if types == nil {
		types = typeregistrypkg.New()
	}
	return &RedisTimeoutPersister{client: client, prefix: prefix, types: types}
}

func (p *RedisTimeoutPersister) key(id string) string { return p.prefix + "timeout:" + id }
func (p *RedisTimeoutPersister) dueKey() string       { return p.prefix + "timeouts:due" }
func (p *RedisTimeoutPersister) typeKey(name string) string {
	return p.prefix + "timeouts:type:" + name
}

func (p *RedisTimeoutPersister) Save(ctx context.Context, m *timeoutpkg.Message) error {
	p.gate.EnterSave()
	defer p.gate.LeaveSave()

	p.types.Register(m.DelayedMessage)
	typeName, payload, err := p.types.Encode(m.DelayedMessage)
	if err != nil {
		return err
	}
	sagaID, _ := timeoutpkg.SagaIDOf(m.DelayedMessage)

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key(m.ID),
			"type", typeName,
			"payload", string(payload),
			"saga_id", sagaID,
			"duration_ns", int64(m.Duration),
			"created_ns", m.Created.UnixNano(),
			"due_ns", m.At.UnixNano(),
		)
		pipe.ZAdd(ctx, p.dueKey(), redis.Z{Score: float64(m.At.UnixMilli()), Member: m.ID})
		pipe.SAdd(ctx, p.typeKey(typeName), m.ID)
		return nil
	})
	return err
}

func (p *RedisTimeoutPersister) FindAllExpiredTimeouts(ctx context.Context, now time.Time) ([]*timeoutpkg.Message, error) {
	ids, err := p.client.ZRangeByScore(ctx, p.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	records, err := p.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	var (
		expired     []*timeoutpkg.Message
		undecodable []error
	)
	for _, rec := range records {
		m, err := rec.message(p.types)
		if err != nil {
			undecodable = append(undecodable, err)
			continue
		}
		if m.ExpiredAt(now) {
			expired = append(expired, m)
		}
	}
	timeoutpkg.SortByDue(expired)
	return expired, errors.Join(undecodable...)
}

func (p *RedisTimeoutPersister) load(ctx context.Context, ids []string) ([]timeoutRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, p.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]timeoutRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec := timeoutRecord{
			ID:       ids[i],
			TypeName: fields["type"],
			Payload:  []byte(fields["payload"]),
			SagaID:   fields["saga_id"],
		}
		rec.DurationNS, _ = strconv.ParseInt(fields["duration_ns"], 10, 64)
		rec.CreatedNS, _ = strconv.ParseInt(fields["created_ns"], 10, 64)
		rec.DueNS, _ = strconv.ParseInt(fields["due_ns"], 10, 64)
		records = append(records, rec)
	}
	return records, nil
}

func (p *RedisTimeoutPersister) AbortTimeout(ctx context.Context, cancel any) (int, error) {
	p.gate.EnterAbort()
	defer p.gate.LeaveAbort()

	typeName, err := payloadTypeName(p.types, cancel)
	if err != nil {
		return 0, err
	}
	ids, err := p.client.SMembers(ctx, p.typeKey(typeName)).Result()
	if err != nil {
		return 0, err
	}

	targets := ids
	if sagaID, ok := timeoutpkg.SagaIDOf(cancel); ok {
		records, err := p.load(ctx, ids)
		if err != nil {
			return 0, err
		}
		targets = nil
		for _, rec := range records {
			if rec.SagaID == sagaID {
				targets = append(targets, rec.ID)
			}
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	removed := make([]*redis.IntCmd, len(targets))
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range targets {
			removed[i] = pipe.Del(ctx, p.key(id))
			pipe.ZRem(ctx, p.dueKey(), id)
			pipe.SRem(ctx, p.typeKey(typeName), id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cmd := range removed {
		n += int(cmd.Val())
	}
	return n, nil
}

func (p *RedisTimeoutPersister) Complete(ctx context.Context, m *timeoutpkg.Message) (bool, error) {
	typeName, err := payloadTypeName(p.types, m.DelayedMessage)
	if err != nil {
		return false, err
	}
	var removed *redis.IntCmd
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, p.key(m.ID))
		pipe.ZRem(ctx, p.dueKey(), m.ID)
		pipe.SRem(ctx, p.typeKey(typeName), m.ID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (p *RedisTimeoutPersister) Pending(ctx context.Context) (int, error) {
	n, err := p.client.ZCard(ctx, p.dueKey()).Result()
	return int(n), err
}
