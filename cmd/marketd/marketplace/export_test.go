package marketplace

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	submitRequest(t, m, "alice")

	out, err := m.Export(ctx, "json")
	require.NoError(t, err)

	var snap struct {
		Stats    json.RawMessage
		Requests []json.RawMessage
		Provers  []json.RawMessage
		Proofs   []json.RawMessage
	}
	err = json.Unmarshal([]byte(out), &snap)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Stats)
	require.Len(t, snap.Requests, 1)
	require.Len(t, snap.Provers, 1)
	require.Empty(t, snap.Proofs)

	// The same ledger exports identically.
	out2, err := m.Export(ctx, "json")
	require.NoError(t, err)
	require.Equal(t, out, out2)
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	registerProver(t, m, "prover2", "plonk")

	out, err := m.Export(ctx, "csv")
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{
		"prover_id", "name", "reputation_score", "total_proofs", "successful_proofs", "base_price",
	}, records[0])
	require.Equal(t, "prover1", records[1][0])
	require.Equal(t, "prover2", records[2][0])
	require.Equal(t, "0.00", records[1][2])
	require.Equal(t, "100", records[1][5])
}

func TestExportUnknownFormat(t *testing.T) {
	t.Parallel()
	m := newMarketplace(t)

	_, err := m.Export(context.Background(), "xml")
	require.Error(t, err)
}
