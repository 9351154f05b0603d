package marketplace

import (
	"github.com/piconet/market-core/cmd/marketd/metrics"
)

var prefix = metrics.Prefix

func (m *Marketplace) initMetrics() {
	m.metricSubmittedRequests = metrics.Meter.NewInt64Counter(prefix + ".submitted_requests_total")
	m.metricCancelledRequests = metrics.Meter.NewInt64Counter(prefix + ".cancelled_requests_total")
	m.metricExpiredRequests = metrics.Meter.NewInt64Counter(prefix + ".expired_requests_total")
	m.metricSubmittedBids = metrics.Meter.NewInt64Counter(prefix + ".submitted_bids_total")
	m.metricAcceptedBids = metrics.Meter.NewInt64Counter(prefix + ".accepted_bids_total")
	m.metricSubmittedProofs = metrics.Meter.NewInt64Counter(prefix + ".submitted_proofs_total")
	m.metricVerifications = metrics.Meter.NewInt64Counter(prefix + ".verifications_total")
	m.metricRegisteredProvers = metrics.Meter.NewInt64Counter(prefix + ".registered_provers_total")
}
