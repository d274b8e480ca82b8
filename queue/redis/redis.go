// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis-backed queue broker.
//
// Per queue it keeps three sorted sets and one hash per job:
//
//	{prefix}:{queue}:wait     ready jobs, scored by -priority*1e12 + sequence
//	{prefix}:{queue}:delayed  scheduled jobs, scored by ready time in ms
//	{prefix}:{queue}:active   claimed jobs, scored by claim time in ms
//	{prefix}:{queue}:job:{id} hash with the encoded job and its priority
//
// plus {prefix}:{queue}:seq and the completed/failed counters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/valwatch/queue"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var _ queue.Broker = (*Broker)(nil)

// Config holds the Redis connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxRetries  int
	DialTimeout time.Duration
}

// Broker opens queues on a single Redis client.
type Broker struct {
	client *redis.Client
	prefix string
}

// New connects a broker. The client is lazy; call Ping to verify the server.
func New(cfg Config) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
	return NewFromClient(client, cfg.Prefix)
}

// NewFromClient wraps an existing client. The broker takes ownership of it.
func NewFromClient(client *redis.Client, prefix string) *Broker {
	if prefix == "" {
		prefix = "valwatch"
	}
	return &Broker{client: client, prefix: prefix}
}

// Open returns the backend of name. Jobs left active by a previous process
// are moved back to the waiting set.
func (b *Broker) Open(ctx context.Context, name string) (queue.Backend, error) {
	be := &backend{
		client: b.client,
		keys:   newKeys(b.prefix, name),
	}
	if err := be.recoverActive(ctx); err != nil {
		return nil, err
	}
	return be, nil
}

// Counts reads the job counts of name without touching its jobs. It is meant
// for inspecting queues owned by another process.
func (b *Broker) Counts(ctx context.Context, name string) (queue.Counts, error) {
	be := &backend{client: b.client, keys: newKeys(b.prefix, name)}
	return be.Counts(ctx)
}

// Ping checks the server.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.client.Close()
}

type keys struct {
	wait      string
	delayed   string
	active    string
	seq       string
	completed string
	failed    string
	jobPrefix string
}

func newKeys(prefix, name string) keys {
	base := prefix + ":" + name + ":"
	return keys{
		wait:      base + "wait",
		delayed:   base + "delayed",
		active:    base + "active",
		seq:       base + "seq",
		completed: base + "completed",
		failed:    base + "failed",
		jobPrefix: base + "job:",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}

// KEYS: job hash, wait, delayed, seq. ARGV: id, data, priority, readyAt ms, now ms.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'priority', ARGV[3])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], -tonumber(ARGV[3]) * 1e12 + seq, ARGV[1])
end
return 1
`)

// KEYS: wait, delayed, active, seq. ARGV: now ms, job key prefix.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local p = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[1], -p * 1e12 + seq, id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local data = redis.call('HGET', ARGV[2] .. id, 'data')
if not data then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], id)
return {id, data}
`)

// KEYS: wait, active, seq. ARGV: job key prefix.
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(ids) do
  local p = tonumber(redis.call('HGET', ARGV[1] .. id, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[1], -p * 1e12 + seq, id)
end
redis.call('DEL', KEYS[2])
return #ids
`)

type backend struct {
	client *redis.Client
	keys   keys
}

func (be *backend) recoverActive(ctx context.Context) error {
	err := recoverScript.Run(ctx, be.client,
		[]string{be.keys.wait, be.keys.active, be.keys.seq},
		be.keys.jobPrefix).Err()
	if err != nil {
		return fmt.Errorf("failed to recover active jobs: %w", err)
	}
	return nil
}

func (be *backend) Add(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return addScript.Run(ctx, be.client,
		[]string{be.keys.job(job.ID), be.keys.wait, be.keys.delayed, be.keys.seq},
		job.ID, data, job.Options.Priority, job.ReadyAt.UnixMilli(), time.Now().UnixMilli()).Err()
}

func (be *backend) Claim(ctx context.Context, now time.Time) (*queue.Job, error) {
	res, err := claimScript.Run(ctx, be.client,
		[]string{be.keys.wait, be.keys.delayed, be.keys.active, be.keys.seq},
		now.UnixMilli(), be.keys.jobPrefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply of length %d", len(res))
	}

	data, _ := res[1].(string)
	var job queue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		id, _ := res[0].(string)
		// Drop the undecodable job so it does not block the queue.
		be.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, be.keys.active, id)
			p.Del(ctx, be.keys.job(id))
			p.Incr(ctx, be.keys.failed)
			return nil
		})
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (be *backend) Complete(ctx context.Context, job *queue.Job) error {
	_, err := be.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, be.keys.active, job.ID)
		p.Del(ctx, be.keys.job(job.ID))
		p.Incr(ctx, be.keys.completed)
		return nil
	})
	return err
}

func (be *backend) Fail(ctx context.Context, job *queue.Job, retryAt time.Time, retry bool) error {
	if !retry {
		_, err := be.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, be.keys.active, job.ID)
			p.Del(ctx, be.keys.job(job.ID))
			p.Incr(ctx, be.keys.failed)
			return nil
		})
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = be.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, be.keys.active, job.ID)
		p.HSet(ctx, be.keys.job(job.ID), "data", data)
		p.ZAdd(ctx, be.keys.delayed, redis.Z{Score: float64(retryAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (be *backend) Counts(ctx context.Context) (queue.Counts, error) {
	var (
		wait, active, delayed *redis.IntCmd
		completed, failed     *redis.StringCmd
	)
	_, err := be.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.ZCard(ctx, be.keys.wait)
		active = p.ZCard(ctx, be.keys.active)
		delayed = p.ZCard(ctx, be.keys.delayed)
		completed = p.Get(ctx, be.keys.completed)
		failed = p.Get(ctx, be.keys.failed)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return queue.Counts{}, err
	}

	return queue.Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: counter(completed),
		Failed:    counter(failed),
	}, nil
}

func counter(cmd *redis.StringCmd) int64 {
	n, err := strconv.ParseInt(cmd.Val(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (be *backend) Drain(ctx context.Context) error {
	var ids []string
	for _, key := range []string{be.keys.wait, be.keys.delayed} {
		members, err := be.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		ids = append(ids, members...)
	}

	_, err := be.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, be.keys.job(id))
		}
		p.Del(ctx, be.keys.wait, be.keys.delayed)
		return nil
	})
	return err
}

// Close is a no-op: the client is shared and closed by the broker.
func (be *backend) Close() error {
	return nil
}
