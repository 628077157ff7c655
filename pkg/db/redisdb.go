package db

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/tyrantd/pkg/errcode"
	redis "github.com/redis/go-redis/v9"
)

// RedisDB backs the Abstract DB contract with a remote Redis server,
// selected by a "redis://host:port" dbspec. Every record is one Redis
// string key; AddInt/AddDouble keep tyrantd's fixed-width binary encoding
// so a client reading the same key through the binary protocol and
// through redis-cli sees consistent bytes.
type RedisDB struct {
	c    *redis.Client
	path string
	iter *redisIter
}

// OpenRedis dials addr (host:port, no scheme) against database index db.
func OpenRedis(path, addr string, dbIndex int) (*RedisDB, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisDB{c: c, path: path}, nil
}

func (r *RedisDB) Put(key, val []byte) error {
	return r.c.Set(context.Background(), string(key), val, 0).Err()
}

func (r *RedisDB) PutKeep(key, val []byte) error {
	ctx := context.Background()
	ok, err := r.c.SetNX(ctx, string(key), val, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errcode.New("putkeep", errcode.KeepExisting)
	}
	return nil
}

func (r *RedisDB) PutCat(key, val []byte) error {
	return r.c.Append(context.Background(), string(key), string(val)).Err()
}

// PutProc has no server-side Lua path for arbitrary Go merge functions, so
// it falls back to an optimistic WATCH/MULTI transaction, retried on
// conflict. This is the one Abstract DB method where Redis can't offer the
// same single-round-trip atomicity bbolt gets for free from its file lock.
func (r *RedisDB) PutProc(key []byte, fn MergeFunc) error {
	ctx := context.Background()
	k := string(key)
	for attempt := 0; attempt < 8; attempt++ {
		var newVal []byte
		var keep bool
		err := r.c.Watch(ctx, func(tx *redis.Tx) error {
			old, err := tx.Get(ctx, k).Bytes()
			oldOK := true
			if errors.Is(err, redis.Nil) {
				oldOK = false
				err = nil
			}
			if err != nil {
				return err
			}
			newVal, keep = fn(old, oldOK)
			if !keep {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, k, newVal, 0)
				return nil
			})
			return err
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("redisdb: PutProc: too much contention")
}

func (r *RedisDB) Out(key []byte) error {
	n, err := r.c.Del(context.Background(), string(key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return errcode.New("out", errcode.NoRecord)
	}
	return nil
}

func (r *RedisDB) Get(key []byte) ([]byte, bool, error) {
	v, err := r.c.Get(context.Background(), string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisDB) VSiz(key []byte) (int, error) {
	n, err := r.c.StrLen(context.Background(), string(key)).Result()
	if err != nil {
		return NoSuchSize, err
	}
	if n == 0 {
		exists, err2 := r.c.Exists(context.Background(), string(key)).Result()
		if err2 != nil {
			return NoSuchSize, err2
		}
		if exists == 0 {
			return NoSuchSize, nil
		}
	}
	return int(n), nil
}

// IterInit/IterNext scan the full keyspace using SCAN cursors, which is
// the closest Redis analogue to bbolt's ordered btree walk. SCAN's own
// order is not lexicographic, so IterInit sorts the collected keys and
// IterNext walks that sorted snapshot.
type redisIter struct {
	keys []string
	pos  int
}

func (r *RedisDB) IterInit() error {
	ctx := context.Background()
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.c.Scan(ctx, cursor, "*", 1000).Result()
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	r.iter = &redisIter{keys: keys}
	return nil
}

func (r *RedisDB) IterNext() ([]byte, bool, error) {
	if r.iter == nil || r.iter.pos >= len(r.iter.keys) {
		return nil, false, nil
	}
	k := r.iter.keys[r.iter.pos]
	r.iter.pos++
	return []byte(k), true, nil
}

func (r *RedisDB) FwmKeys(prefix []byte, max int) ([][]byte, error) {
	ctx := context.Background()
	var out [][]byte
	var cursor uint64
	pfx := string(prefix)
	for {
		batch, next, err := r.c.Scan(ctx, cursor, pfx+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if !strings.HasPrefix(k, pfx) {
				continue
			}
			if max >= 0 && len(out) >= max {
				return out, nil
			}
			out = append(out, []byte(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisDB) AddInt(key []byte, delta int32) (int32, error) {
	var result int32
	err := r.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
		var base int32
		if ok {
			if len(old) != 4 {
				result = NoInt
				return nil, false
			}
			base = int32(binary.BigEndian.Uint32(old))
		}
		sum := int64(base) + int64(delta)
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			result = NoInt
			return nil, false
		}
		result = int32(sum)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(result))
		return buf, true
	})
	return result, err
}

func (r *RedisDB) AddDouble(key []byte, delta float64) (float64, error) {
	var result float64
	err := r.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
		var base float64
		if ok {
			if len(old) != 16 {
				result = math.NaN()
				return nil, false
			}
			ip := int64(binary.BigEndian.Uint64(old[0:8]))
			fp := int64(binary.BigEndian.Uint64(old[8:16]))
			base = unpackDoubleBytes(ip, fp)
		}
		result = base + delta
		buf := make([]byte, 16)
		ip, fp := packDoubleBytes(result)
		binary.BigEndian.PutUint64(buf[0:8], uint64(ip))
		binary.BigEndian.PutUint64(buf[8:16], uint64(fp))
		return buf, true
	})
	return result, err
}

func (r *RedisDB) Sync() error { return nil }

func (r *RedisDB) Optimize(string) error { return nil }

func (r *RedisDB) Vanish() error {
	return r.c.FlushDB(context.Background()).Err()
}

func (r *RedisDB) Copy(path string) error {
	return r.c.Do(context.Background(), "BGSAVE").Err()
}

func (r *RedisDB) RNum() (uint64, error) {
	n, err := r.c.DBSize(context.Background()).Result()
	return uint64(n), err
}

func (r *RedisDB) Size() (uint64, error) {
	info, err := r.c.Info(context.Background(), "memory").Result()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			n, err := strconv.ParseUint(line[len("used_memory:"):], 10, 64)
			return n, err
		}
	}
	return 0, nil
}

func (r *RedisDB) Path() string { return r.path }

func (r *RedisDB) Mode() Mode { return ModeRedis }

func (r *RedisDB) Misc(name string, args [][]byte) ([][]byte, error) {
	ctx := context.Background()
	switch name {
	case "getlist":
		var out [][]byte
		for _, k := range args {
			v, ok, err := r.Get(k)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, k, v)
			}
		}
		return out, nil
	case "putlist":
		if len(args)%2 != 0 {
			return nil, errcode.New("misc/putlist", errcode.InvalidOperation)
		}
		pipe := r.c.Pipeline()
		for i := 0; i < len(args); i += 2 {
			pipe.Set(ctx, string(args[i]), args[i+1], 0)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	default:
		return nil, nil
	}
}

func (r *RedisDB) Close() error {
	return r.c.Close()
}
