package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/piconet/market-core/market"
)

// CreateProver registers a prover profile. Ids are immutable; a collision is
// rejected and the registered profile is left untouched. The active-prover
// count is maintained in the same transaction.
func (s *Store) CreateProver(ctx context.Context, p market.ProverProfile) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	exists, err := txn.Has(ctx, keyProver(p.ID))
	if err != nil {
		return fmt.Errorf("checking prover existence: %s", err)
	}
	if exists {
		return fmt.Errorf("prover %s: %w", p.ID, market.ErrAlreadyRegistered)
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := saveProver(ctx, txn, p); err != nil {
		return fmt.Errorf("saving prover: %s", err)
	}

	provers, err := listProvers(ctx, txn)
	if err != nil {
		return fmt.Errorf("listing provers: %s", err)
	}
	stats, err := getStats(ctx, txn)
	if err != nil {
		return fmt.Errorf("reading stats: %s", err)
	}
	stats.ActiveProvers = len(provers)
	stats.UpdatedAt = now
	if err := saveStats(ctx, txn, stats); err != nil {
		return fmt.Errorf("saving stats: %s", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("registered prover %s supporting %d backends", p.ID, len(p.SupportedBackends))
	return nil
}

// GetProver gets a ProverProfile with the specified id. If not found returns
// market.ErrNotFound.
func (s *Store) GetProver(ctx context.Context, id market.ProverID) (market.ProverProfile, error) {
	return getProver(ctx, s.ds, id)
}

// ListProvers returns all registered prover profiles.
func (s *Store) ListProvers(ctx context.Context) ([]market.ProverProfile, error) {
	return listProvers(ctx, s.ds)
}

func getProver(ctx context.Context, r datastore.Read, id market.ProverID) (market.ProverProfile, error) {
	buf, err := r.Get(ctx, keyProver(id))
	if err == datastore.ErrNotFound {
		return market.ProverProfile{}, fmt.Errorf("prover %s: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.ProverProfile{}, fmt.Errorf("get prover from datastore: %s", err)
	}
	var p market.ProverProfile
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&p); err != nil {
		return market.ProverProfile{}, fmt.Errorf("gob decoding: %s", err)
	}
	return p, nil
}

func saveProver(ctx context.Context, w datastore.Write, p market.ProverProfile) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyProver(p.ID), buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func listProvers(ctx context.Context, r datastore.Read) ([]market.ProverProfile, error) {
	res, err := r.Query(ctx, dsq.Query{Prefix: prefixProver.String()})
	if err != nil {
		return nil, fmt.Errorf("querying provers: %s", err)
	}
	defer func() { _ = res.Close() }()

	var provers []market.ProverProfile
	for it := range res.Next() {
		if it.Error != nil {
			return nil, fmt.Errorf("getting next result: %s", it.Error)
		}
		var p market.ProverProfile
		if err := gob.NewDecoder(bytes.NewReader(it.Value)).Decode(&p); err != nil {
			return nil, fmt.Errorf("gob decoding: %s", err)
		}
		provers = append(provers, p)
	}
	return provers, nil
}

func keyProver(id market.ProverID) datastore.Key {
	return prefixProver.ChildString(string(id))
}
