package tests

import (
	"context"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// NewTxMapDatastore returns a thread-safe in-memory TxnDatastore.
func NewTxMapDatastore() *TxMapDatastore {
	return &TxMapDatastore{MapDatastore: ds.NewMapDatastore()}
}

// TxMapDatastore is an in-memory datastore with transaction support.
type TxMapDatastore struct {
	*ds.MapDatastore
	lock sync.RWMutex
}

// Get returns the value for key.
func (d *TxMapDatastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.MapDatastore.Get(ctx, key)
}

// Put sets the value for key.
func (d *TxMapDatastore) Put(ctx context.Context, key ds.Key, data []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.MapDatastore.Put(ctx, key, data)
}

// Delete deletes key.
func (d *TxMapDatastore) Delete(ctx context.Context, key ds.Key) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.MapDatastore.Delete(ctx, key)
}

// Query runs a query against the datastore.
func (d *TxMapDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.MapDatastore.Query(ctx, q)
}

// NewTransaction creates a new transaction. Writes are buffered until Commit,
// which applies them while holding the datastore write lock.
func (d *TxMapDatastore) NewTransaction(_ context.Context, _ bool) (ds.Txn, error) {
	return &simpleTx{target: d, ops: make(map[ds.Key]op)}, nil
}

type op struct {
	delete bool
	value  []byte
}

// simpleTx implements ds.Txn on top of TxMapDatastore. Reads see the state as
// of transaction start plus the transaction's own writes.
type simpleTx struct {
	target *TxMapDatastore
	ops    map[ds.Key]op
	lock   sync.Mutex
}

var _ ds.Txn = (*simpleTx)(nil)

func (tx *simpleTx) Get(ctx context.Context, k ds.Key) ([]byte, error) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if o, ok := tx.ops[k]; ok {
		if o.delete {
			return nil, ds.ErrNotFound
		}
		return o.value, nil
	}
	return tx.target.Get(ctx, k)
}

func (tx *simpleTx) Has(ctx context.Context, k ds.Key) (bool, error) {
	if _, err := tx.Get(ctx, k); err == ds.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *simpleTx) GetSize(ctx context.Context, k ds.Key) (int, error) {
	v, err := tx.Get(ctx, k)
	if err != nil {
		return -1, err
	}
	return len(v), nil
}

func (tx *simpleTx) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	tx.lock.Lock()
	defer tx.lock.Unlock()

	res, err := tx.target.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tx.ops) == 0 {
		return res, nil
	}

	// Merge buffered writes over the target results. A buffered key matches
	// only on a full path-component boundary, same as the datastore's own
	// prefix filter, so /bid/R12 never matches a query for /bid/R1.
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	merged := make([]dsq.Entry, 0, len(entries)+len(tx.ops))
	for _, e := range entries {
		if _, ok := tx.ops[ds.NewKey(e.Key)]; !ok {
			merged = append(merged, e)
		}
	}
	prefix := ds.NewKey(q.Prefix).String()
	if prefix != "/" {
		prefix += "/"
	}
	for k, o := range tx.ops {
		if o.delete || !strings.HasPrefix(k.String(), prefix) {
			continue
		}
		merged = append(merged, dsq.Entry{Key: k.String(), Value: o.value})
	}
	return dsq.ResultsWithEntries(q, merged), nil
}

func (tx *simpleTx) Put(_ context.Context, k ds.Key, val []byte) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.ops[k] = op{value: val}
	return nil
}

func (tx *simpleTx) Delete(_ context.Context, k ds.Key) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.ops[k] = op{delete: true}
	return nil
}

func (tx *simpleTx) Commit(ctx context.Context) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.target.lock.Lock()
	defer tx.target.lock.Unlock()
	for k, o := range tx.ops {
		var err error
		if o.delete {
			if err = tx.target.MapDatastore.Delete(ctx, k); err == ds.ErrNotFound {
				err = nil
			}
		} else {
			err = tx.target.MapDatastore.Put(ctx, k, o.value)
		}
		if err != nil {
			return err
		}
	}
	tx.ops = make(map[ds.Key]op)
	return nil
}

func (tx *simpleTx) Discard(context.Context) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.ops = make(map[ds.Key]op)
}
