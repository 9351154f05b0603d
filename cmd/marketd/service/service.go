package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	logger "github.com/ipfs/go-log/v2"
	"github.com/piconet/market-core/market"
)

var log = logger.Logger("marketd/service")

// NewServer returns a new http server exposing the marketplace.
func NewServer(listenAddr string, m market.Marketplace) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: createMux(m),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(m market.Marketplace) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(healthHandler))
	requests := requestsHandler(m)
	mux.HandleFunc("/requests", requests)
	mux.HandleFunc("/requests/", requests)
	mux.HandleFunc("/bids", postOnly(submitBidHandler(m)))
	proofs := proofsHandler(m)
	mux.HandleFunc("/proofs", proofs)
	mux.HandleFunc("/proofs/", proofs)
	provers := proversHandler(m)
	mux.HandleFunc("/provers", provers)
	mux.HandleFunc("/provers/", provers)
	mux.HandleFunc("/rankings", getOnly(rankingsHandler(m)))
	mux.HandleFunc("/stats", getOnly(statsHandler(m)))
	mux.HandleFunc("/export", getOnly(exportHandler(m)))
	return mux
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			httpError(w, "only GET method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func postOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			httpError(w, "only POST method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type submitRequestPayload struct {
	RequesterID string            `json:"requester_id"`
	ProgramHash string            `json:"program_hash"`
	InputData   []byte            `json:"input_data"`
	Backend     string            `json:"backend"`
	MaxPrice    uint64            `json:"max_price"`
	Deadline    time.Time         `json:"deadline"`
	Priority    market.Priority   `json:"priority"`
	Metadata    map[string]string `json:"metadata"`
}

func requestsHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlParts := strings.SplitN(r.URL.Path, "/", 4)
		if len(urlParts) < 3 || urlParts[2] == "" {
			switch r.Method {
			case "GET":
				listPendingRequests(w, r, m)
			case "POST":
				submitRequest(w, r, m)
			default:
				httpError(w, "method not allowed", http.StatusBadRequest)
			}
			return
		}

		id := market.RequestID(urlParts[2])
		if len(urlParts) == 3 || urlParts[3] == "" {
			if r.Method != "GET" {
				httpError(w, "only GET method is allowed", http.StatusBadRequest)
				return
			}
			getRequest(w, r, m, id)
			return
		}

		switch urlParts[3] {
		case "bids":
			if r.Method != "GET" {
				httpError(w, "only GET method is allowed", http.StatusBadRequest)
				return
			}
			bestBids(w, r, m, id)
		case "proof":
			if r.Method != "GET" {
				httpError(w, "only GET method is allowed", http.StatusBadRequest)
				return
			}
			getProofByRequest(w, r, m, id)
		case "accept":
			if r.Method != "POST" {
				httpError(w, "only POST method is allowed", http.StatusBadRequest)
				return
			}
			acceptBid(w, r, m, id)
		case "cancel":
			if r.Method != "POST" {
				httpError(w, "only POST method is allowed", http.StatusBadRequest)
				return
			}
			cancelRequest(w, r, m, id)
		case "expire":
			if r.Method != "POST" {
				httpError(w, "only POST method is allowed", http.StatusBadRequest)
				return
			}
			expireRequest(w, r, m, id)
		default:
			httpError(w, fmt.Sprintf("unknown action %q", urlParts[3]), http.StatusNotFound)
		}
	}
}

func submitRequest(w http.ResponseWriter, r *http.Request, m market.Marketplace) {
	var payload submitRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	pr, err := m.SubmitRequest(r.Context(), market.ProofRequest{
		RequesterID: payload.RequesterID,
		ProgramHash: payload.ProgramHash,
		InputData:   payload.InputData,
		Backend:     payload.Backend,
		MaxPrice:    payload.MaxPrice,
		Deadline:    payload.Deadline,
		Priority:    payload.Priority,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		httpError(w, fmt.Sprintf("submitting request: %s", err), statusFor(err))
		return
	}
	writeJSON(w, pr)
}

func listPendingRequests(w http.ResponseWriter, r *http.Request, m market.Marketplace) {
	prs, err := m.PendingRequests(r.Context())
	if err != nil {
		httpError(w, fmt.Sprintf("listing pending requests: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, prs)
}

func getRequest(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	pr, err := m.GetRequest(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		httpError(w, fmt.Sprintf("request %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, fmt.Sprintf("getting request: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, pr)
}

func bestBids(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpError(w, fmt.Sprintf("invalid n %q", raw), http.StatusBadRequest)
			return
		}
		n = parsed
	}
	bids, err := m.BestBids(r.Context(), id, n)
	if err != nil {
		httpError(w, fmt.Sprintf("ranking bids: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bids)
}

func getProofByRequest(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	p, err := m.GetProofByRequest(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		httpError(w, fmt.Sprintf("proof for request %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, fmt.Sprintf("getting proof: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p)
}

func acceptBid(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	var payload struct {
		BidID market.BidID `json:"bid_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	if err := m.AcceptBid(r.Context(), id, payload.BidID); err != nil {
		httpError(w, fmt.Sprintf("accepting bid: %s", err), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func cancelRequest(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	var payload struct {
		RequesterID string `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	if err := m.CancelRequest(r.Context(), id, payload.RequesterID); err != nil {
		httpError(w, fmt.Sprintf("cancelling request: %s", err), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func expireRequest(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.RequestID) {
	if err := m.ExpireRequest(r.Context(), id); err != nil {
		httpError(w, fmt.Sprintf("expiring request: %s", err), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type submitBidPayload struct {
	RequestID     market.RequestID `json:"request_id"`
	ProverID      market.ProverID  `json:"prover_id"`
	Price         uint64           `json:"price"`
	EstimatedTime time.Duration    `json:"estimated_time"`
}

func submitBidHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload submitBidPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		b, err := m.SubmitBid(r.Context(), market.Bid{
			RequestID:     payload.RequestID,
			ProverID:      payload.ProverID,
			Price:         payload.Price,
			EstimatedTime: payload.EstimatedTime,
		})
		if err != nil {
			httpError(w, fmt.Sprintf("submitting bid: %s", err), statusFor(err))
			return
		}
		writeJSON(w, b)
	}
}

func proofsHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlParts := strings.SplitN(r.URL.Path, "/", 4)
		if len(urlParts) < 3 || urlParts[2] == "" {
			if r.Method != "POST" {
				httpError(w, "only POST method is allowed", http.StatusBadRequest)
				return
			}
			submitProof(w, r, m)
			return
		}

		id := market.ProofID(urlParts[2])
		if len(urlParts) == 3 || urlParts[3] == "" {
			if r.Method != "GET" {
				httpError(w, "only GET method is allowed", http.StatusBadRequest)
				return
			}
			getProof(w, r, m, id)
			return
		}

		if urlParts[3] != "verifications" {
			httpError(w, fmt.Sprintf("unknown action %q", urlParts[3]), http.StatusNotFound)
			return
		}
		if r.Method != "POST" {
			httpError(w, "only POST method is allowed", http.StatusBadRequest)
			return
		}
		verifyProof(w, r, m, id)
	}
}

type submitProofPayload struct {
	RequestID      market.RequestID `json:"request_id"`
	ProverID       market.ProverID  `json:"prover_id"`
	Proof          []byte           `json:"proof"`
	PublicInputs   []uint64         `json:"public_inputs"`
	GenerationTime time.Duration    `json:"generation_time"`
	Cycles         uint64           `json:"cycles"`
	MemoryUsage    uint64           `json:"memory_usage"`
	ProofSize      uint64           `json:"proof_size"`
	Price          uint64           `json:"price"`
}

func submitProof(w http.ResponseWriter, r *http.Request, m market.Marketplace) {
	var payload submitProofPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	p, err := m.SubmitProof(r.Context(), market.ProofResponse{
		RequestID:      payload.RequestID,
		ProverID:       payload.ProverID,
		Proof:          payload.Proof,
		PublicInputs:   payload.PublicInputs,
		GenerationTime: payload.GenerationTime,
		Cycles:         payload.Cycles,
		MemoryUsage:    payload.MemoryUsage,
		ProofSize:      payload.ProofSize,
		Price:          payload.Price,
	})
	if err != nil {
		httpError(w, fmt.Sprintf("submitting proof: %s", err), statusFor(err))
		return
	}
	writeJSON(w, p)
}

func getProof(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.ProofID) {
	p, err := m.GetProof(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		httpError(w, fmt.Sprintf("proof %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, fmt.Sprintf("getting proof: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p)
}

type verifyProofPayload struct {
	Valid            bool          `json:"valid"`
	VerificationTime time.Duration `json:"verification_time"`
	VerifierID       string        `json:"verifier_id"`
	ErrorCause       string        `json:"error_cause"`
}

func verifyProof(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.ProofID) {
	var payload verifyProofPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	err := m.VerifyProof(r.Context(), market.VerificationResult{
		ProofID:          id,
		Valid:            payload.Valid,
		VerificationTime: payload.VerificationTime,
		VerifierID:       payload.VerifierID,
		ErrorCause:       payload.ErrorCause,
	})
	if err != nil {
		httpError(w, fmt.Sprintf("verifying proof: %s", err), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func proversHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlParts := strings.SplitN(r.URL.Path, "/", 3)
		if len(urlParts) < 3 || urlParts[2] == "" {
			switch r.Method {
			case "GET":
				searchProvers(w, r, m)
			case "POST":
				registerProver(w, r, m)
			default:
				httpError(w, "method not allowed", http.StatusBadRequest)
			}
			return
		}

		if r.Method != "GET" {
			httpError(w, "only GET method is allowed", http.StatusBadRequest)
			return
		}
		getProver(w, r, m, market.ProverID(urlParts[2]))
	}
}

func registerProver(w http.ResponseWriter, r *http.Request, m market.Marketplace) {
	var p market.ProverProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	if err := m.RegisterProver(r.Context(), p); err != nil {
		httpError(w, fmt.Sprintf("registering prover: %s", err), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func searchProvers(w http.ResponseWriter, r *http.Request, m market.Marketplace) {
	var f market.ProverFilter
	f.Backend = r.URL.Query().Get("backend")
	if raw := r.URL.Query().Get("max-base-price"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpError(w, fmt.Sprintf("invalid max-base-price %q", raw), http.StatusBadRequest)
			return
		}
		f.MaxBasePrice = v
	}
	if raw := r.URL.Query().Get("min-reputation"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			httpError(w, fmt.Sprintf("invalid min-reputation %q", raw), http.StatusBadRequest)
			return
		}
		f.MinReputation = v
	}
	provers, err := m.SearchProvers(r.Context(), f)
	if err != nil {
		httpError(w, fmt.Sprintf("searching provers: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, provers)
}

func getProver(w http.ResponseWriter, r *http.Request, m market.Marketplace, id market.ProverID) {
	p, err := m.GetProver(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		httpError(w, fmt.Sprintf("prover %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, fmt.Sprintf("getting prover: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p)
}

func rankingsHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provers, err := m.Rankings(r.Context())
		if err != nil {
			httpError(w, fmt.Sprintf("ranking provers: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, provers)
	}
}

func statsHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := m.Stats(r.Context())
		if err != nil {
			httpError(w, fmt.Sprintf("getting stats: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	}
}

func exportHandler(m market.Marketplace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		out, err := m.Export(r.Context(), format)
		if err != nil {
			httpError(w, fmt.Sprintf("exporting: %s", err), http.StatusBadRequest)
			return
		}
		if format == "csv" {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		if _, err := w.Write([]byte(out)); err != nil {
			log.Errorf("write failed: %v", err)
		}
	}
}

// statusFor maps domain errors to http status codes. Validation and state
// conflicts are the caller's fault; anything else is ours.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrInvalidDeadline),
		errors.Is(err, market.ErrEmptyInput),
		errors.Is(err, market.ErrEmptyProof),
		errors.Is(err, market.ErrNoBackends),
		errors.Is(err, market.ErrEstimateTooLong):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrNoEligibleProver),
		errors.Is(err, market.ErrRequestClosed),
		errors.Is(err, market.ErrRequestNotInProgress),
		errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrAlreadyRegistered),
		errors.Is(err, market.ErrDuplicateProof),
		errors.Is(err, market.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
