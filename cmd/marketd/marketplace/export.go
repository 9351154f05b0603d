package marketplace

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/piconet/market-core/market"
)

type ledgerSnapshot struct {
	Stats         market.MarketplaceStats     `json:"stats"`
	Requests      []market.ProofRequest       `json:"requests"`
	Bids          []market.Bid                `json:"bids"`
	Provers       []market.ProverProfile      `json:"provers"`
	Proofs        []market.ProofResponse      `json:"proofs"`
	Verifications []market.VerificationResult `json:"verifications"`
}

// Export serializes the full ledger in the given format. "json" renders a
// snapshot of stats, requests, provers and proofs; "csv" renders the prover
// table. Records are ordered by id so repeated exports of the same ledger
// are identical.
func (m *Marketplace) Export(ctx context.Context, format string) (string, error) {
	switch format {
	case "json":
		return m.exportJSON(ctx)
	case "csv":
		return m.exportCSV(ctx)
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
}

func (m *Marketplace) exportJSON(ctx context.Context) (string, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("getting stats: %s", err)
	}
	requests, err := m.store.ListRequests(ctx)
	if err != nil {
		return "", fmt.Errorf("listing requests: %s", err)
	}
	bids, err := m.store.ListAllBids(ctx)
	if err != nil {
		return "", fmt.Errorf("listing bids: %s", err)
	}
	provers, err := m.store.ListProvers(ctx)
	if err != nil {
		return "", fmt.Errorf("listing provers: %s", err)
	}
	proofs, err := m.store.ListProofs(ctx)
	if err != nil {
		return "", fmt.Errorf("listing proofs: %s", err)
	}
	verifications, err := m.store.ListVerifications(ctx)
	if err != nil {
		return "", fmt.Errorf("listing verifications: %s", err)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].ID < requests[j].ID })
	sort.Slice(bids, func(i, j int) bool { return bids[i].ID < bids[j].ID })
	sort.Slice(provers, func(i, j int) bool { return provers[i].ID < provers[j].ID })
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].ID < proofs[j].ID })
	sort.Slice(verifications, func(i, j int) bool { return verifications[i].ProofID < verifications[j].ProofID })

	snap := ledgerSnapshot{
		Stats:         stats,
		Requests:      requests,
		Bids:          bids,
		Provers:       provers,
		Proofs:        proofs,
		Verifications: verifications,
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %s", err)
	}
	return string(b), nil
}

func (m *Marketplace) exportCSV(ctx context.Context) (string, error) {
	provers, err := m.store.ListProvers(ctx)
	if err != nil {
		return "", fmt.Errorf("listing provers: %s", err)
	}
	sort.Slice(provers, func(i, j int) bool { return provers[i].ID < provers[j].ID })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"prover_id",
		"name",
		"reputation_score",
		"total_proofs",
		"successful_proofs",
		"base_price",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("writing header: %s", err)
	}
	for _, p := range provers {
		record := []string{
			string(p.ID),
			p.Name,
			strconv.FormatFloat(p.ReputationScore, 'f', 2, 64),
			strconv.FormatUint(p.TotalProofs, 10),
			strconv.FormatUint(p.SuccessfulProofs, 10),
			strconv.FormatUint(p.Pricing.BasePrice, 10),
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("writing record: %s", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %s", err)
	}
	return buf.String(), nil
}
