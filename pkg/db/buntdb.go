package db

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/tidwall/buntdb"
)

// BuntDB backs the Abstract DB contract with an in-memory (or
// optionally-persisted) ordered store, selected by a "*" dbspec. Unlike
// BoltDB it keeps keys sorted, so FwmKeys and iteration are native
// AscendKeys walks rather than a manual cursor seek.
type BuntDB struct {
	db   *buntdb.DB
	path string
	iter []string
	pos  int
}

// OpenBunt opens path, which is ":memory:" for a pure in-memory instance
// or a file path for buntdb's own append-only persistence.
func OpenBunt(path string) (*BuntDB, error) {
	bdb, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntDB{db: bdb, path: path}, nil
}

func (b *BuntDB) Put(key, val []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(string(key), string(val), nil)
		return err
	})
}

func (b *BuntDB) PutKeep(key, val []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(string(key)); err == nil {
			return errcode.New("putkeep", errcode.KeepExisting)
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err := tx.Set(string(key), string(val), nil)
		return err
	})
}

func (b *BuntDB) PutCat(key, val []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		old, err := tx.Get(string(key))
		if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err = tx.Set(string(key), old+string(val), nil)
		return err
	})
}

func (b *BuntDB) PutProc(key []byte, fn MergeFunc) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		old, err := tx.Get(string(key))
		oldOK := true
		if errors.Is(err, buntdb.ErrNotFound) {
			oldOK = false
			err = nil
		}
		if err != nil {
			return err
		}
		var oldBytes []byte
		if oldOK {
			oldBytes = []byte(old)
		}
		newVal, keep := fn(oldBytes, oldOK)
		if !keep {
			return nil
		}
		_, _, err = tx.Set(string(key), string(newVal), nil)
		return err
	})
}

func (b *BuntDB) Out(key []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(string(key))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errcode.New("out", errcode.NoRecord)
		}
		return err
	})
}

func (b *BuntDB) Get(key []byte) ([]byte, bool, error) {
	var val string
	var ok bool
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(string(key))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, ok = v, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return []byte(val), ok, nil
}

func (b *BuntDB) VSiz(key []byte) (int, error) {
	v, ok, err := b.Get(key)
	if err != nil || !ok {
		return NoSuchSize, err
	}
	return len(v), nil
}

// IterInit and IterNext snapshot every key in ascending order, matching
// buntdb's native sort order, and walk that snapshot. A snapshot (rather
// than a live AscendKeys callback) lets IterNext be called one key at a
// time across separate transactions, as the Abstract DB contract requires.
func (b *BuntDB) IterInit() error {
	var keys []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if err != nil {
		return err
	}
	sort.Strings(keys)
	b.iter = keys
	b.pos = 0
	return nil
}

func (b *BuntDB) IterNext() ([]byte, bool, error) {
	if b.pos >= len(b.iter) {
		return nil, false, nil
	}
	k := b.iter[b.pos]
	b.pos++
	return []byte(k), true, nil
}

func (b *BuntDB) FwmKeys(prefix []byte, max int) ([][]byte, error) {
	var out [][]byte
	pfx := string(prefix)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", pfx, func(key, _ string) bool {
			if !strings.HasPrefix(key, pfx) {
				return false
			}
			if max >= 0 && len(out) >= max {
				return false
			}
			out = append(out, []byte(key))
			return true
		})
	})
	return out, err
}

func (b *BuntDB) AddInt(key []byte, delta int32) (int32, error) {
	var result int32
	err := b.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
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

func (b *BuntDB) AddDouble(key []byte, delta float64) (float64, error) {
	var result float64
	err := b.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
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

func (b *BuntDB) Sync() error {
	return b.db.Shrink()
}

func (b *BuntDB) Optimize(string) error {
	return b.db.Shrink()
}

func (b *BuntDB) Vanish() error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BuntDB) Copy(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.db.Save(f)
}

func (b *BuntDB) RNum() (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *buntdb.Tx) error {
		ln, err := tx.Len()
		n = uint64(ln)
		return err
	})
	return n, err
}

// Size reports the database's byte footprint, not its record count:
// the sum of every stored key and value length, the same quantity
// original_source/ttserver.c's tcadbsize() reports for the in-memory
// backend (as distinct from rnum, the record count RNum already gives).
func (b *BuntDB) Size() (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			n += uint64(len(key)) + uint64(len(value))
			return true
		})
	})
	return n, err
}

func (b *BuntDB) Path() string { return b.path }

func (b *BuntDB) Mode() Mode { return ModeBunt }

func (b *BuntDB) Misc(name string, args [][]byte) ([][]byte, error) {
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
	default:
		return nil, nil
	}
}

func (b *BuntDB) Close() error {
	return b.db.Close()
}
