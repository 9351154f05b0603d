package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/piconet/market-core/market"
)

// SaveProofResponse records a proof for an in-progress request. In a single
// transaction: the response is stored (one per request, enforced through an
// explicit index), the request moves to completed, the prover is credited
// optimistically, and the marketplace aggregate is recomputed.
func (s *Store) SaveProofResponse(ctx context.Context, p market.ProofResponse) (market.ProofResponse, error) {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	pr, err := getRequest(ctx, txn, p.RequestID)
	if err != nil {
		return market.ProofResponse{}, err
	}
	if pr.Status != market.RequestStatusInProgress {
		return market.ProofResponse{}, fmt.Errorf(
			"request %s is %s: %w", pr.ID, pr.Status, market.ErrRequestNotInProgress)
	}
	exists, err := txn.Has(ctx, keyProofByRequest(p.RequestID))
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("checking response existence: %s", err)
	}
	if exists {
		return market.ProofResponse{}, fmt.Errorf("request %s: %w", pr.ID, market.ErrDuplicateProof)
	}

	id, err := s.newID()
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("generating proof id: %v", err)
	}
	now := time.Now()
	p.ID = market.ProofID(id)
	p.Verified = false
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := saveProof(ctx, txn, p); err != nil {
		return market.ProofResponse{}, fmt.Errorf("saving proof: %s", err)
	}
	if err := txn.Put(ctx, keyProofByRequest(p.RequestID), []byte(p.ID)); err != nil {
		return market.ProofResponse{}, fmt.Errorf("indexing proof: %s", err)
	}

	pr.Status = market.RequestStatusCompleted
	pr.UpdatedAt = now
	if err := saveRequest(ctx, txn, pr); err != nil {
		return market.ProofResponse{}, fmt.Errorf("saving request: %s", err)
	}

	// Credit the prover optimistically; a later failed verification retracts it.
	prover, err := getProver(ctx, txn, p.ProverID)
	if err == nil {
		prover.TotalProofs++
		prover.SuccessfulProofs++
		n := time.Duration(prover.TotalProofs)
		prover.AverageGenerationTime = (prover.AverageGenerationTime*(n-1) + p.GenerationTime) / n
		recomputeReputation(&prover)
		prover.UpdatedAt = now
		if err := saveProver(ctx, txn, prover); err != nil {
			return market.ProofResponse{}, fmt.Errorf("saving prover: %s", err)
		}
	} else {
		log.Warnf("proof %s from unregistered prover %s", p.ID, p.ProverID)
	}

	stats, err := getStats(ctx, txn)
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("reading stats: %s", err)
	}
	stats.TotalProofs++
	stats.TotalVolume += p.Price
	if err := recomputeStats(ctx, txn, &stats, now); err != nil {
		return market.ProofResponse{}, err
	}
	if err := saveStats(ctx, txn, stats); err != nil {
		return market.ProofResponse{}, fmt.Errorf("saving stats: %s", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return market.ProofResponse{}, fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("request %s completed; proof %s is %s, %d cycles",
		p.RequestID, p.ID, humanize.IBytes(p.ProofSize), p.Cycles)
	return p, nil
}

// SaveVerification applies an external verification outcome to a proof and
// the owning prover, in a single transaction. A proof is verified at most
// once; a second result for the same proof id is rejected rather than
// re-applying the adjustment.
func (s *Store) SaveVerification(ctx context.Context, res market.VerificationResult) error {
	txn, err := s.ds.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating transaction: %s", err)
	}
	defer txn.Discard(ctx)

	p, err := getProof(ctx, txn, res.ProofID)
	if err != nil {
		return err
	}
	exists, err := txn.Has(ctx, keyVerification(res.ProofID))
	if err != nil {
		return fmt.Errorf("checking verification existence: %s", err)
	}
	if exists {
		return fmt.Errorf("proof %s: %w", res.ProofID, market.ErrAlreadyVerified)
	}

	now := time.Now()
	p.Verified = res.Valid
	p.UpdatedAt = now
	if err := saveProof(ctx, txn, p); err != nil {
		return fmt.Errorf("saving proof: %s", err)
	}
	res.CreatedAt = now
	if err := saveVerification(ctx, txn, res); err != nil {
		return fmt.Errorf("saving verification: %s", err)
	}

	prover, err := getProver(ctx, txn, p.ProverID)
	if err == nil {
		if !res.Valid && prover.SuccessfulProofs > 0 {
			prover.SuccessfulProofs--
		}
		recomputeReputation(&prover)
		prover.UpdatedAt = now
		if err := saveProver(ctx, txn, prover); err != nil {
			return fmt.Errorf("saving prover: %s", err)
		}
	} else {
		log.Warnf("verification for proof %s from unregistered prover %s", p.ID, p.ProverID)
	}

	stats, err := getStats(ctx, txn)
	if err != nil {
		return fmt.Errorf("reading stats: %s", err)
	}
	if err := recomputeStats(ctx, txn, &stats, now); err != nil {
		return err
	}
	if err := saveStats(ctx, txn, stats); err != nil {
		return fmt.Errorf("saving stats: %s", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	log.Debugf("proof %s verified by %s: valid=%t", res.ProofID, res.VerifierID, res.Valid)
	return nil
}

// GetProof gets a ProofResponse with the specified id. If not found returns
// market.ErrNotFound.
func (s *Store) GetProof(ctx context.Context, id market.ProofID) (market.ProofResponse, error) {
	return getProof(ctx, s.ds, id)
}

// GetProofByRequest gets the single ProofResponse recorded for a request.
func (s *Store) GetProofByRequest(ctx context.Context, id market.RequestID) (market.ProofResponse, error) {
	buf, err := s.ds.Get(ctx, keyProofByRequest(id))
	if err == datastore.ErrNotFound {
		return market.ProofResponse{}, fmt.Errorf("proof for request %s: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("get proof index from datastore: %s", err)
	}
	return getProof(ctx, s.ds, market.ProofID(buf))
}

// GetVerification gets the VerificationResult recorded for a proof.
func (s *Store) GetVerification(ctx context.Context, id market.ProofID) (market.VerificationResult, error) {
	buf, err := s.ds.Get(ctx, keyVerification(id))
	if err == datastore.ErrNotFound {
		return market.VerificationResult{}, fmt.Errorf("verification for proof %s: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.VerificationResult{}, fmt.Errorf("get verification from datastore: %s", err)
	}
	var res market.VerificationResult
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&res); err != nil {
		return market.VerificationResult{}, fmt.Errorf("gob decoding: %s", err)
	}
	return res, nil
}

// ListProofs returns all recorded proof responses.
func (s *Store) ListProofs(ctx context.Context) ([]market.ProofResponse, error) {
	return listProofs(ctx, s.ds)
}

// ListVerifications returns all recorded verification results.
func (s *Store) ListVerifications(ctx context.Context) ([]market.VerificationResult, error) {
	res, err := s.ds.Query(ctx, dsq.Query{Prefix: prefixVerification.String()})
	if err != nil {
		return nil, fmt.Errorf("querying verifications: %s", err)
	}
	defer func() { _ = res.Close() }()

	var results []market.VerificationResult
	for it := range res.Next() {
		if it.Error != nil {
			return nil, fmt.Errorf("getting next result: %s", it.Error)
		}
		var v market.VerificationResult
		if err := gob.NewDecoder(bytes.NewReader(it.Value)).Decode(&v); err != nil {
			return nil, fmt.Errorf("gob decoding: %s", err)
		}
		results = append(results, v)
	}
	return results, nil
}

// recomputeReputation rederives the reputation score from the proof counts.
// Always recomputed from counts, never incrementally adjusted, so repeated
// settlement events can't accumulate floating-point drift.
func recomputeReputation(p *market.ProverProfile) {
	if p.TotalProofs == 0 {
		p.ReputationScore = 0
		return
	}
	p.ReputationScore = float64(p.SuccessfulProofs) / float64(p.TotalProofs) * 100
}

// recomputeStats rederives the mean generation time, mean price, and success
// rate from the full response set. With no responses the prior values are
// kept and only the timestamp refreshes.
func recomputeStats(ctx context.Context, r datastore.Read, stats *market.MarketplaceStats, now time.Time) error {
	responses, err := listProofs(ctx, r)
	if err != nil {
		return fmt.Errorf("listing proofs: %s", err)
	}
	if len(responses) > 0 {
		var (
			totalTime  time.Duration
			totalPrice uint64
			verified   int
		)
		for _, p := range responses {
			totalTime += p.GenerationTime
			totalPrice += p.Price
			if p.Verified {
				verified++
			}
		}
		stats.AverageProofTime = totalTime / time.Duration(len(responses))
		stats.AveragePrice = totalPrice / uint64(len(responses))
		stats.SuccessRate = float64(verified) / float64(len(responses)) * 100
	}
	stats.UpdatedAt = now
	return nil
}

func getProof(ctx context.Context, r datastore.Read, id market.ProofID) (market.ProofResponse, error) {
	buf, err := r.Get(ctx, keyProof(id))
	if err == datastore.ErrNotFound {
		return market.ProofResponse{}, fmt.Errorf("proof %s: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("get proof from datastore: %s", err)
	}
	var p market.ProofResponse
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&p); err != nil {
		return market.ProofResponse{}, fmt.Errorf("gob decoding: %s", err)
	}
	return p, nil
}

func saveProof(ctx context.Context, w datastore.Write, p market.ProofResponse) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyProof(p.ID), buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func listProofs(ctx context.Context, r datastore.Read) ([]market.ProofResponse, error) {
	res, err := r.Query(ctx, dsq.Query{Prefix: prefixProof.String()})
	if err != nil {
		return nil, fmt.Errorf("querying proofs: %s", err)
	}
	defer func() { _ = res.Close() }()

	var proofs []market.ProofResponse
	for it := range res.Next() {
		if it.Error != nil {
			return nil, fmt.Errorf("getting next result: %s", it.Error)
		}
		var p market.ProofResponse
		if err := gob.NewDecoder(bytes.NewReader(it.Value)).Decode(&p); err != nil {
			return nil, fmt.Errorf("gob decoding: %s", err)
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

func saveVerification(ctx context.Context, w datastore.Write, res market.VerificationResult) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return fmt.Errorf("encoding gob: %s", err)
	}
	if err := w.Put(ctx, keyVerification(res.ProofID), buf.Bytes()); err != nil {
		return fmt.Errorf("put in datastore: %s", err)
	}
	return nil
}

func keyProof(id market.ProofID) datastore.Key {
	return prefixProof.ChildString(string(id))
}

func keyProofByRequest(id market.RequestID) datastore.Key {
	return prefixProofByRequest.ChildString(string(id))
}

func keyVerification(id market.ProofID) datastore.Key {
	return prefixVerification.ChildString(string(id))
}
