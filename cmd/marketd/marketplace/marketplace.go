package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-datastore"
	logger "github.com/ipfs/go-log/v2"
	"github.com/piconet/market-core/cmd/marketd/store"
	"github.com/piconet/market-core/market"
	"github.com/piconet/market-core/metrics"
	"go.opentelemetry.io/otel/metric"
)

var log = logger.Logger("marketplace")

// Marketplace is the request/bid/settlement lifecycle engine. It validates
// incoming submissions and delegates every mutation to the ledger store,
// which applies each transition atomically.
type Marketplace struct {
	store *store.Store

	metricSubmittedRequests metric.Int64Counter
	metricCancelledRequests metric.Int64Counter
	metricExpiredRequests   metric.Int64Counter
	metricSubmittedBids     metric.Int64Counter
	metricAcceptedBids      metric.Int64Counter
	metricSubmittedProofs   metric.Int64Counter
	metricVerifications     metric.Int64Counter
	metricRegisteredProvers metric.Int64Counter
}

// New creates a Marketplace backed by the provided `ds`.
func New(ds datastore.TxnDatastore) (*Marketplace, error) {
	s, err := store.New(ds)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger store: %s", err)
	}
	m := &Marketplace{store: s}
	m.initMetrics()
	return m, nil
}

var _ market.Marketplace = (*Marketplace)(nil)

// SubmitRequest validates and admits a proof request. The deadline must be
// strictly in the future, the input payload non-empty, and at least one
// registered prover must support the requested backend.
func (m *Marketplace) SubmitRequest(ctx context.Context, req market.ProofRequest) (pr market.ProofRequest, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricSubmittedRequests) }()

	if !req.Deadline.After(time.Now()) {
		return market.ProofRequest{}, market.ErrInvalidDeadline
	}
	if len(req.InputData) == 0 {
		return market.ProofRequest{}, market.ErrEmptyInput
	}

	req.ID = market.RequestID(uuid.New().String())
	if err = m.store.CreateRequest(ctx, &req); err != nil {
		return market.ProofRequest{}, fmt.Errorf("creating request: %w", err)
	}
	log.Infof("request %s admitted for requester %s", req.ID, req.RequesterID)
	return req, nil
}

// CancelRequest cancels a pending or in-progress request on behalf of its
// requester. It doesn't cancel proof generation already started out-of-band.
func (m *Marketplace) CancelRequest(ctx context.Context, id market.RequestID, requesterID string) (err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricCancelledRequests) }()

	if err = m.store.CancelRequest(ctx, id, requesterID); err != nil {
		return fmt.Errorf("cancelling request: %w", err)
	}
	return nil
}

// ExpireRequest moves a pending request whose deadline passed to expired.
func (m *Marketplace) ExpireRequest(ctx context.Context, id market.RequestID) (err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricExpiredRequests) }()

	if err = m.store.ExpireRequest(ctx, id); err != nil {
		return fmt.Errorf("expiring request: %w", err)
	}
	return nil
}

// GetRequest gets a request by id. If it doesn't exist, it returns
// market.ErrNotFound.
func (m *Marketplace) GetRequest(ctx context.Context, id market.RequestID) (market.ProofRequest, error) {
	return m.store.GetRequest(ctx, id)
}

// GetRequestStatus returns a request's current status. ok is false if the
// request is unknown.
func (m *Marketplace) GetRequestStatus(
	ctx context.Context,
	id market.RequestID,
) (market.RequestStatus, bool, error) {
	pr, err := m.store.GetRequest(ctx, id)
	if errors.Is(err, market.ErrNotFound) {
		return market.RequestStatusUnspecified, false, nil
	}
	if err != nil {
		return market.RequestStatusUnspecified, false, err
	}
	return pr.Status, true, nil
}

// PendingRequests returns all requests currently accepting bids.
func (m *Marketplace) PendingRequests(ctx context.Context) ([]market.ProofRequest, error) {
	return m.store.ListPendingRequests(ctx)
}

// Stats returns the aggregate marketplace statistics.
func (m *Marketplace) Stats(ctx context.Context) (market.MarketplaceStats, error) {
	return m.store.Stats(ctx)
}
