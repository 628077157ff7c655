package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cuemby/tyrantd/pkg/errcode"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltDB is the default on-disk backend, a single bucket inside one bbolt
// file. Grounded on the teacher's single-bucket-per-entity BoltStore: here
// there is exactly one entity (the record), so one bucket suffices.
type BoltDB struct {
	db   *bolt.DB
	path string

	iterMu  iterState
}

type iterState struct {
	cursor []byte
	valid  bool
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*BoltDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bboltdb: mkdir %s: %w", dir, err)
		}
	}
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltdb: open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &BoltDB{db: bdb, path: path}, nil
}

func (b *BoltDB) Put(key, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(key, val)
	})
}

func (b *BoltDB) PutKeep(key, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		if bkt.Get(key) != nil {
			return errcode.New("putkeep", errcode.KeepExisting)
		}
		return bkt.Put(key, val)
	})
}

func (b *BoltDB) PutCat(key, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		old := bkt.Get(key)
		if old == nil {
			return bkt.Put(key, val)
		}
		merged := make([]byte, 0, len(old)+len(val))
		merged = append(merged, old...)
		merged = append(merged, val...)
		return bkt.Put(key, merged)
	})
}

func (b *BoltDB) PutProc(key []byte, fn MergeFunc) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		old := bkt.Get(key)
		newVal, keep := fn(old, old != nil)
		if !keep {
			return nil
		}
		return bkt.Put(key, newVal)
	})
}

func (b *BoltDB) Out(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		if bkt.Get(key) == nil {
			return errcode.New("out", errcode.NoRecord)
		}
		return bkt.Delete(key)
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(key)
		if v == nil {
			return nil
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, val != nil, err
}

func (b *BoltDB) VSiz(key []byte) (int, error) {
	var sz = NoSuchSize
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(key)
		if v != nil {
			sz = len(v)
		}
		return nil
	})
	return sz, err
}

// IterInit and IterNext form a single cross-transaction forward cursor.
// bbolt cursors don't survive their transaction, so each IterNext opens a
// short read transaction and seeks back to where it left off, matching the
// "resume by key" approach original_source/tcadb.c's iterator takes over
// a btree.
func (b *BoltDB) IterInit() error {
	b.iterMu = iterState{}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		if k, _ := c.First(); k != nil {
			b.iterMu.cursor = append([]byte(nil), k...)
			b.iterMu.valid = true
		}
		return nil
	})
	return err
}

func (b *BoltDB) IterNext() ([]byte, bool, error) {
	if !b.iterMu.valid {
		return nil, false, nil
	}
	var key []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		k, _ := c.Seek(b.iterMu.cursor)
		if k == nil || !bytes.Equal(k, b.iterMu.cursor) {
			b.iterMu.valid = false
			return nil
		}
		key = append([]byte(nil), k...)
		nk, _ := c.Next()
		if nk == nil {
			b.iterMu.valid = false
		} else {
			b.iterMu.cursor = append([]byte(nil), nk...)
		}
		return nil
	})
	return key, key != nil, err
}

func (b *BoltDB) FwmKeys(prefix []byte, max int) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if max >= 0 && len(out) >= max {
				break
			}
			out = append(out, append([]byte(nil), k...))
		}
		return nil
	})
	return out, err
}

func (b *BoltDB) AddInt(key []byte, delta int32) (int32, error) {
	var result int32
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		cur := bkt.Get(key)
		var base int32
		if cur != nil {
			if len(cur) != 4 {
				result = NoInt
				return nil
			}
			base = int32(binary.BigEndian.Uint32(cur))
		}
		sum := int64(base) + int64(delta)
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			result = NoInt
			return nil
		}
		result = int32(sum)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(result))
		return bkt.Put(key, buf)
	})
	return result, err
}

func (b *BoltDB) AddDouble(key []byte, delta float64) (float64, error) {
	var result float64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		cur := bkt.Get(key)
		var base float64
		if cur != nil {
			if len(cur) != 16 {
				result = math.NaN()
				return nil
			}
			ip := int64(binary.BigEndian.Uint64(cur[0:8]))
			fp := int64(binary.BigEndian.Uint64(cur[8:16]))
			base = unpackDoubleBytes(ip, fp)
		}
		result = base + delta
		buf := make([]byte, 16)
		ip, fp := packDoubleBytes(result)
		binary.BigEndian.PutUint64(buf[0:8], uint64(ip))
		binary.BigEndian.PutUint64(buf[8:16], uint64(fp))
		return bkt.Put(key, buf)
	})
	return result, err
}

func (b *BoltDB) Sync() error {
	return b.db.Sync()
}

func (b *BoltDB) Optimize(string) error {
	return nil
}

func (b *BoltDB) Vanish() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(recordsBucket)
		return err
	})
}

func (b *BoltDB) Copy(path string) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

func (b *BoltDB) RNum() (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(recordsBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

func (b *BoltDB) Size() (uint64, error) {
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (b *BoltDB) Path() string { return b.path }

func (b *BoltDB) Mode() Mode { return ModeBolt }

func (b *BoltDB) Misc(name string, args [][]byte) ([][]byte, error) {
	switch name {
	case "getlist":
		var out [][]byte
		for _, k := range args {
			v, ok, err := b.Get(k)
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
		for i := 0; i < len(args); i += 2 {
			if err := b.Put(args[i], args[i+1]); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case "outlist":
		for _, k := range args {
			_ = b.Out(k)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

// packDoubleBytes and unpackDoubleBytes mirror pkg/wire's double codec
// without importing pkg/wire, which has no business knowing about
// storage formats.
func packDoubleBytes(v float64) (intPart, fracPart int64) {
	switch {
	case math.IsNaN(v):
		return math.MinInt64, math.MinInt64
	case math.IsInf(v, 1):
		return math.MaxInt64, 0
	case math.IsInf(v, -1):
		return math.MinInt64, 0
	}
	ip, fp := math.Modf(v)
	return int64(ip), int64(fp * 1e12)
}

func unpackDoubleBytes(intPart, fracPart int64) float64 {
	if intPart == math.MinInt64 && fracPart == math.MinInt64 {
		return math.NaN()
	}
	if intPart == math.MaxInt64 && fracPart == 0 {
		return math.Inf(1)
	}
	if intPart == math.MinInt64 && fracPart == 0 {
		return math.Inf(-1)
	}
	return float64(intPart) + float64(fracPart)/1e12
}
