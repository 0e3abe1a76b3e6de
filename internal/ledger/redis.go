package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const runsKept = 500

// Lua keeps every transition atomic per key on the server.
// KEYS[1] is the entry hash, KEYS[2] the set of open (claimed/failed) keys.
var (
	claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'sent' then return 0 end
if st == 'claimed' then
  local u = tonumber(redis.call('HGET', KEYS[1], 'until') or '0')
  if u >= tonumber(ARGV[7]) then return 0 end
end
redis.call('HSET', KEYS[1], 'opp', ARGV[2], 'user', ARGV[3], 'thr', ARGV[4],
  'state', 'claimed', 'by', ARGV[5], 'until', ARGV[6], 'updated', ARGV[7])
redis.call('SADD', KEYS[2], ARGV[1])
return 1`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'claimed' then return 0 end
if redis.call('HGET', KEYS[1], 'by') ~= ARGV[2] then return 0 end
local a = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if a == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'by', '', 'until', '0', 'updated', ARGV[3])
return 1`)

	markSentScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'sent' then return 0 end
redis.call('HSET', KEYS[1], 'opp', ARGV[2], 'user', ARGV[3], 'thr', ARGV[4],
  'state', 'sent', 'err', '', 'by', '', 'until', '0', 'updated', ARGV[5])
redis.call('SREM', KEYS[2], ARGV[1])
return 1`)

	markFailedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'sent' then return 0 end
redis.call('HSET', KEYS[1], 'opp', ARGV[2], 'user', ARGV[3], 'thr', ARGV[4],
  'state', 'failed', 'err', ARGV[5], 'by', '', 'until', '0', 'updated', ARGV[6])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('SADD', KEYS[2], ARGV[1])
return 1`)

	clearFailedScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
local expired = false
if st == 'claimed' then
  expired = tonumber(redis.call('HGET', KEYS[1], 'until') or '0') < tonumber(ARGV[2])
end
if st == 'failed' or expired then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return 1
end
return 0`)
)

type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
	now    func() time.Time
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, deadline.FatalConfig(errors.New("ledger.redis.addr is required for redis driver"))
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "deadline"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, deadline.TransientIO(err)
	}
	log.Debug("redis ledger opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log, now: time.Now}, nil
}

func (s *redisStore) entryKey(k string) string { return s.prefix + ":k:" + k }
func (s *redisStore) openKey() string         { return s.prefix + ":open" }
func (s *redisStore) runsKey() string         { return s.prefix + ":runs" }

func (s *redisStore) run(ctx context.Context, sc *redis.Script, key deadline.Key, args ...any) (bool, error) {
	k := key.String()
	n, err := sc.Run(ctx, s.rdb, []string{s.entryKey(k), s.openKey()}, append([]any{k}, args...)...).Int()
	if err != nil {
		return false, deadline.TransientIO(err)
	}
	return n > 0, nil
}

func (s *redisStore) Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	return s.run(ctx, claimScript, key,
		key.OpportunityID, key.UserID, key.Threshold, owner,
		now.Add(lease).UnixMilli(), now.UnixMilli())
}

func (s *redisStore) Release(ctx context.Context, key deadline.Key, owner string) error {
	_, err := s.run(ctx, releaseScript, key, owner, s.now().UnixMilli())
	return err
}

func (s *redisStore) TryMarkSent(ctx context.Context, key deadline.Key) (bool, error) {
	return s.run(ctx, markSentScript, key,
		key.OpportunityID, key.UserID, key.Threshold, s.now().UnixMilli())
}

func (s *redisStore) MarkFailed(ctx context.Context, key deadline.Key, reason string) error {
	_, err := s.run(ctx, markFailedScript, key,
		key.OpportunityID, key.UserID, key.Threshold, reason, s.now().UnixMilli())
	return err
}

func (s *redisStore) ClearFailed(ctx context.Context, key deadline.Key) error {
	_, err := s.run(ctx, clearFailedScript, key, s.now().UnixMilli())
	return err
}

func (s *redisStore) State(ctx context.Context, key deadline.Key) (Entry, error) {
	m, err := s.rdb.HGetAll(ctx, s.entryKey(key.String())).Result()
	if err != nil {
		return Entry{}, deadline.TransientIO(err)
	}
	if len(m) == 0 {
		return Entry{Key: key}, nil
	}
	e := entryFromHash(m)
	e.Key = key
	return e, nil
}

func (s *redisStore) Pending(ctx context.Context) ([]Entry, error) {
	keys, err := s.rdb.SMembers(ctx, s.openKey()).Result()
	if err != nil {
		return nil, deadline.TransientIO(err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.entryKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, deadline.TransientIO(err)
	}

	now := s.now()
	var out []Entry
	for _, c := range cmds {
		m, err := c.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		e := entryFromHash(m)
		if e.retryable(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *redisStore) AppendRun(ctx context.Context, r RunRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.runsKey(), b)
	pipe.LTrim(ctx, s.runsKey(), 0, runsKept-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return deadline.TransientIO(err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func entryFromHash(m map[string]string) Entry {
	thr, _ := strconv.Atoi(m["thr"])
	attempts, _ := strconv.Atoi(m["attempts"])
	until, _ := strconv.ParseInt(m["until"], 10, 64)
	updated, _ := strconv.ParseInt(m["updated"], 10, 64)
	return Entry{
		Key:          deadline.Key{OpportunityID: m["opp"], UserID: m["user"], Threshold: thr},
		State:        State(m["state"]),
		Attempts:     attempts,
		LastError:    m["err"],
		ClaimedBy:    m["by"],
		ClaimedUntil: fromMillis(until),
		UpdatedAt:    fromMillis(updated),
	}
}
