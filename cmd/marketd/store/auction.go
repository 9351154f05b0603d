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

// SaveBid records a bid against a pending request. The bid id is assigned
// here; the bid is stored active. A prover may hold multiple active bids on
// the same request.
func (s *Store) SaveBid(ctx context.Context, b market.Bid) (market.Bid, error) {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return market.Bid{}, fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	pr, err := getRequest(ctx, txn, b.RequestID)
	if err != nil {
		return market.Bid{}, err
	}
	if pr.Status != market.RequestStatusPending {
		return market.Bid{}, fmt.Errorf("request %s is %s: %w", pr.ID, pr.Status, market.ErrRequestClosed)
	}

	id, err := s.newID()
	if err != nil {
		return market.Bid{}, fmt.Errorf("generating bid id: %v", err)
	}
	now := time.Now()
	b.ID = market.BidID(id)
	b.Status = market.BidStatusActive
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := saveBid(ctx, txn, b); err != nil {
		return market.Bid{}, fmt.Errorf("saving bid: %s", err)
	}
	if err := txn.Commit(ctx); err != nil {
		return market.Bid{}, fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("prover %s bid %d on request %s", b.ProverID, b.Price, b.RequestID)
	return b, nil
}

// AcceptBid finalizes the auction for a request: the selected bid moves to
// accepted, every sibling bid moves to rejected, and the request moves to
// in-progress, all in a single transaction. This is the sole transition out
// of pending other than cancellation or expiry.
func (s *Store) AcceptBid(ctx context.Context, id market.RequestID, bid market.BidID) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	pr, err := getRequest(ctx, txn, id)
	if err != nil {
		return err
	}
	if pr.Status != market.RequestStatusPending {
		return fmt.Errorf("request %s is %s: %w", pr.ID, pr.Status, market.ErrRequestClosed)
	}

	bids, err := listBids(ctx, txn, id)
	if err != nil {
		return fmt.Errorf("listing bids: %s", err)
	}
	var found bool
	for _, b := range bids {
		if b.ID == bid {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("bid %s on request %s: %w", bid, id, market.ErrNotFound)
	}

	now := time.Now()
	for _, b := range bids {
		if b.ID == bid {
			b.Status = market.BidStatusAccepted
		} else {
			b.Status = market.BidStatusRejected
		}
		b.UpdatedAt = now
		if err := saveBid(ctx, txn, b); err != nil {
			return fmt.Errorf("saving bid: %s", err)
		}
	}

	pr.Status = market.RequestStatusInProgress
	pr.UpdatedAt = now
	if err := saveRequest(ctx, txn, pr); err != nil {
		return fmt.Errorf("saving request: %s", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("bid %s won request %s; %d bids rejected", bid, id, len(bids)-1)
	return nil
}

// ListBids returns all bids submitted against a request.
func (s *Store) ListBids(ctx context.Context, id market.RequestID) ([]market.Bid, error) {
	return listBids(ctx, s.ds, id)
}

// ListAllBids returns every bid in the ledger, across all requests.
func (s *Store) ListAllBids(ctx context.Context) ([]market.Bid, error) {
	return listBids(ctx, s.ds, "")
}

func saveBid(ctx context.Context, w datastore.Write, b market.Bid) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyBid(b.RequestID, b.ID), buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func listBids(ctx context.Context, r datastore.Read, id market.RequestID) ([]market.Bid, error) {
	res, err := r.Query(ctx, dsq.Query{Prefix: prefixBid.ChildString(string(id)).String()})
	if err != nil {
		return nil, fmt.Errorf("querying bids: %s", err)
	}
	defer func() { _ = res.Close() }()

	var bids []market.Bid
	for it := range res.Next() {
		if it.Error != nil {
			return nil, fmt.Errorf("getting next result: %s", it.Error)
		}
		var b market.Bid
		if err := gob.NewDecoder(bytes.NewReader(it.Value)).Decode(&b); err != nil {
			return nil, fmt.Errorf("gob decoding: %s", err)
		}
		bids = append(bids, b)
	}
	return bids, nil
}

func keyBid(rid market.RequestID, id market.BidID) datastore.Key {
	return prefixBid.ChildString(string(rid)).ChildString(string(id))
}
