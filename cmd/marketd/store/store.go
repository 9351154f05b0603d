package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logger "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
	"github.com/piconet/market-core/market"
)

var (
	// Namespace "/proof-request/{id}" contains the current ProofRequest data for an id.
	prefixRequest = datastore.NewKey("proof-request")
	// Namespace "/bid/{request_id}/{bid_id}" contains the bids submitted against a request.
	prefixBid = datastore.NewKey("bid")
	// Namespace "/proof-response/{id}" contains the recorded proof responses.
	prefixProof = datastore.NewKey("proof-response")
	// Namespace "/proof-by-request/{request_id}" maps a request to its single proof response.
	prefixProofByRequest = datastore.NewKey("proof-by-request")
	// Namespace "/prover/{id}" contains the registered prover profiles.
	prefixProver = datastore.NewKey("prover")
	// Namespace "/verification/{proof_id}" contains verification outcomes, at most one per proof.
	prefixVerification = datastore.NewKey("verification")
	// "/stats" holds the cached marketplace-wide aggregate.
	keyStats = datastore.NewKey("stats")

	log = logger.Logger("marketd/store")
)

// Store is the authoritative ledger for the marketplace. It owns all five
// entity namespaces and every mutation; transitions that touch more than one
// record run inside a single datastore transaction.
type Store struct {
	ds datastore.TxnDatastore

	lock    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New returns a new Store backed by `ds`.
func New(ds datastore.TxnDatastore) (*Store, error) {
	ctx := context.Background()
	s := &Store{ds: ds}
	if _, err := ds.Get(ctx, keyStats); err == datastore.ErrNotFound {
		stats := market.MarketplaceStats{UpdatedAt: time.Now()}
		if err := saveStats(ctx, ds, stats); err != nil {
			return nil, fmt.Errorf("initializing stats: %s", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading stats: %s", err)
	}
	return s, nil
}

// CreateRequest persists a pending proof request. The eligibility check and
// the total-request counter bump happen in the same transaction as the insert.
func (s *Store) CreateRequest(ctx context.Context, pr *market.ProofRequest) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	provers, err := listProvers(ctx, txn)
	if err != nil {
		return fmt.Errorf("listing provers: %s", err)
	}
	var eligible bool
	for _, p := range provers {
		if p.SupportsBackend(pr.Backend) {
			eligible = true
			break
		}
	}
	if !eligible {
		return fmt.Errorf("backend %s: %w", pr.Backend, market.ErrNoEligibleProver)
	}

	now := time.Now()
	pr.Status = market.RequestStatusPending
	pr.CreatedAt = now
	pr.UpdatedAt = now
	if err := saveRequest(ctx, txn, *pr); err != nil {
		return fmt.Errorf("saving request: %s", err)
	}

	stats, err := getStats(ctx, txn)
	if err != nil {
		return fmt.Errorf("reading stats: %s", err)
	}
	stats.TotalRequests++
	stats.UpdatedAt = now
	if err := saveStats(ctx, txn, stats); err != nil {
		return fmt.Errorf("saving stats: %s", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("created request %s for backend %s", pr.ID, pr.Backend)
	return nil
}

// GetRequest gets a ProofRequest with the specified id. If not found returns
// market.ErrNotFound.
func (s *Store) GetRequest(ctx context.Context, id market.RequestID) (market.ProofRequest, error) {
	return getRequest(ctx, s.ds, id)
}

// ListRequests returns all requests in the ledger.
func (s *Store) ListRequests(ctx context.Context) ([]market.ProofRequest, error) {
	return listRequests(ctx, s.ds)
}

// ListPendingRequests returns the requests currently accepting bids.
func (s *Store) ListPendingRequests(ctx context.Context) ([]market.ProofRequest, error) {
	all, err := listRequests(ctx, s.ds)
	if err != nil {
		return nil, err
	}
	var pending []market.ProofRequest
	for _, pr := range all {
		if pr.Status == market.RequestStatusPending {
			pending = append(pending, pr)
		}
	}
	return pending, nil
}

// CancelRequest moves a pending or in-progress request to cancelled. Only the
// original requester may cancel. Cancellation closes the ledger state to new
// bids and proofs; it doesn't stop prover work already started out-of-band.
func (s *Store) CancelRequest(ctx context.Context, id market.RequestID, requesterID string) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	pr, err := getRequest(ctx, txn, id)
	if err != nil {
		return err
	}
	if pr.RequesterID != requesterID {
		return fmt.Errorf("requester %s doesn't own request %s: %w", requesterID, id, market.ErrUnauthorized)
	}
	switch pr.Status {
	case market.RequestStatusPending, market.RequestStatusInProgress:
	default:
		return fmt.Errorf("cancelling a %s request: %w", pr.Status, market.ErrInvalidState)
	}

	pr.Status = market.RequestStatusCancelled
	pr.UpdatedAt = time.Now()
	if err := saveRequest(ctx, txn, pr); err != nil {
		return fmt.Errorf("saving request: %s", err)
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("request %s cancelled by %s", id, requesterID)
	return nil
}

// ExpireRequest moves a pending request whose deadline has passed to expired,
// expiring its active bids in the same transaction. The caller (an external
// sweeper) decides when to invoke it.
func (s *Store) ExpireRequest(ctx context.Context, id market.RequestID) error {
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
		return fmt.Errorf("expiring a %s request: %w", pr.Status, market.ErrInvalidState)
	}
	now := time.Now()
	if now.Before(pr.Deadline) {
		return fmt.Errorf("request %s deadline hasn't passed", id)
	}

	pr.Status = market.RequestStatusExpired
	pr.UpdatedAt = now
	if err := saveRequest(ctx, txn, pr); err != nil {
		return fmt.Errorf("saving request: %s", err)
	}

	bids, err := listBids(ctx, txn, id)
	if err != nil {
		return fmt.Errorf("listing bids: %s", err)
	}
	for _, b := range bids {
		if b.Status != market.BidStatusActive {
			continue
		}
		b.Status = market.BidStatusExpired
		b.UpdatedAt = now
		if err := saveBid(ctx, txn, b); err != nil {
			return fmt.Errorf("saving bid: %s", err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("request %s expired with %d bids", id, len(bids))
	return nil
}

// Stats returns the cached marketplace aggregate.
func (s *Store) Stats(ctx context.Context) (market.MarketplaceStats, error) {
	return getStats(ctx, s.ds)
}

func getRequest(ctx context.Context, r datastore.Read, id market.RequestID) (market.ProofRequest, error) {
	buf, err := r.Get(ctx, keyRequest(id))
	if err == datastore.ErrNotFound {
		return market.ProofRequest{}, fmt.Errorf("request %s: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.ProofRequest{}, fmt.Errorf("get request from datastore: %s", err)
	}
	var pr market.ProofRequest
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&pr); err != nil {
		return market.ProofRequest{}, fmt.Errorf("gob decoding: %s", err)
	}
	return pr, nil
}

func saveRequest(ctx context.Context, w datastore.Write, pr market.ProofRequest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pr); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyRequest(pr.ID), buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func listRequests(ctx context.Context, r datastore.Read) ([]market.ProofRequest, error) {
	res, err := r.Query(ctx, dsq.Query{Prefix: prefixRequest.String()})
	if err != nil {
		return nil, fmt.Errorf("querying requests: %s", err)
	}
	defer func() { _ = res.Close() }()

	var requests []market.ProofRequest
	for it := range res.Next() {
		if it.Error != nil {
			return nil, fmt.Errorf("getting next result: %s", it.Error)
		}
		var pr market.ProofRequest
		if err := gob.NewDecoder(bytes.NewReader(it.Value)).Decode(&pr); err != nil {
			return nil, fmt.Errorf("gob decoding: %s", err)
		}
		requests = append(requests, pr)
	}
	return requests, nil
}

func getStats(ctx context.Context, r datastore.Read) (market.MarketplaceStats, error) {
	buf, err := r.Get(ctx, keyStats)
	if err != nil {
		return market.MarketplaceStats{}, fmt.Errorf("get stats from datastore: %s", err)
	}
	var stats market.MarketplaceStats
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&stats); err != nil {
		return market.MarketplaceStats{}, fmt.Errorf("gob decoding: %s", err)
	}
	return stats, nil
}

func saveStats(ctx context.Context, w datastore.Write, stats market.MarketplaceStats) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stats); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyStats, buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func keyRequest(id market.RequestID) datastore.Key {
	return prefixRequest.ChildString(string(id))
}

// newID returns new monotonically increasing ids.
func (s *Store) newID() (string, error) {
	s.lock.Lock()
	// Not deferring unlock since can be recursive.

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lock.Unlock()
		return s.newID()
	} else if err != nil {
		s.lock.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lock.Unlock()
	return strings.ToLower(id.String()), nil
}
