package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swarmos/swarmos/internal/cas"
	"github.com/swarmos/swarmos/internal/cryptosig"
	"github.com/swarmos/swarmos/internal/metrics"
	"github.com/swarmos/swarmos/internal/receipt"
	"github.com/swarmos/swarmos/internal/rpcauth"
	"github.com/swarmos/swarmos/internal/settlement"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// LedgerAPI serves the Settlement Ledger's HTTP surface. Balance-moving
// routes called by the Controller (reserve/charge/credit/refund/seal) and
// withdrawal finalize sit behind the service bearer-token check; reads,
// deposits and withdrawal requests do not.
type LedgerAPI struct {
	l       *settlement.Ledger
	met     *metrics.Ledger
	bundles cas.Store
	authKey []byte
	mux     *http.ServeMux
}

// NewLedgerAPI builds the ledger router. met and bundles may be nil;
// an empty authKey disables the service auth check.
func NewLedgerAPI(l *settlement.Ledger, met *metrics.Ledger, bundles cas.Store, authKey []byte) *LedgerAPI {
	a := &LedgerAPI{l: l, met: met, bundles: bundles, authKey: authKey, mux: http.NewServeMux()}
	a.mux.HandleFunc("/balances/", a.balanceRoutes)
	a.mux.HandleFunc("/withdrawals", a.withdrawRequest)
	a.mux.HandleFunc("/withdrawals/", a.withdrawFinalize)
	a.mux.HandleFunc("/epochs/", a.epochRoutes)
	a.mux.HandleFunc("/verify", a.verify)
	return a
}

func (a *LedgerAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// authorized enforces the service bearer token on Controller-only
// routes. An empty key disables the check.
func (a *LedgerAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	if len(a.authKey) == 0 {
		return true
	}
	header := r.Header.Get("Authorization")
	tok := strings.TrimPrefix(header, "Bearer ")
	if tok == "" || tok == header {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "missing bearer token"))
		return false
	}
	if _, err := rpcauth.Verify(a.authKey, tok); err != nil {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "invalid bearer token"))
		return false
	}
	return true
}

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// decodeDigest parses a lowercase hex SHA-256 digest.
func decodeDigest(s string) ([32]byte, error) {
	var d [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(raw) != 32 {
		return d, fmt.Errorf("digest must be 32 bytes, got %d", len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (a *LedgerAPI) balanceRoutes(w http.ResponseWriter, r *http.Request) {
	_, rest := shift(r.URL.Path) // strip "balances"
	account, rest := shift(rest)
	if account == "" {
		notFound(w)
		return
	}

	switch rest {
	case "/":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		bal, err := a.l.Balance(account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bal)

	case "/transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		txs, err := a.l.Transactions(account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, txs)

	case "/deposit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req swarmtypes.DepositRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.ExternalRef == "" {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "external_ref is required"))
			return
		}
		acct, err := a.l.Deposit(account, req.Amount, req.ExternalRef)
		if err != nil {
			writeError(w, err)
			return
		}
		if a.met != nil {
			a.met.Deposits.Inc()
		}
		writeJSON(w, http.StatusOK, acct)

	case "/reserve":
		if !a.authorized(w, r) {
			return
		}
		var req swarmtypes.ReserveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		res, err := a.l.Reserve(account, req.Amount, req.JobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case "/charge":
		if !a.authorized(w, r) {
			return
		}
		var req swarmtypes.ChargeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		acct, err := a.l.Charge(account, req.Amount, req.JobID)
		if err != nil {
			writeError(w, err)
			return
		}
		if a.met != nil {
			a.met.Charges.Inc()
		}
		writeJSON(w, http.StatusOK, acct)

	case "/refund":
		if !a.authorized(w, r) {
			return
		}
		var req swarmtypes.RefundRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		acct, err := a.l.Refund(account, req.JobID)
		if err != nil {
			writeError(w, err)
			return
		}
		if a.met != nil {
			a.met.Refunds.Inc()
		}
		writeJSON(w, http.StatusOK, acct)

	case "/credit":
		if !a.authorized(w, r) {
			return
		}
		var req swarmtypes.CreditRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		acct, err := a.l.Credit(account, req.Amount, req.JobID, req.Pending)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)

	default:
		notFound(w)
	}
}

var addressRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

func (a *LedgerAPI) withdrawRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.WithdrawRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// Address-keyed accounts prove ownership with a signature; named
	// accounts (operator-managed) are served on the trusted surface.
	if addressRe.MatchString(req.Account) {
		sig, err := hexDecode(req.Signature)
		if err != nil {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "signature is not valid hex"))
			return
		}
		msg := cryptosig.WithdrawMessage(req.Account, req.Amount.String(), req.Destination)
		if !cryptosig.Verify(msg, sig, cryptosig.Address(req.Account)) {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "signature does not recover to %s", req.Account))
			return
		}
	}

	wd, err := a.l.WithdrawRequest(req.Account, req.Amount, req.Destination, uuid.NewString())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (a *LedgerAPI) withdrawFinalize(w http.ResponseWriter, r *http.Request) {
	_, rest := shift(r.URL.Path) // strip "withdrawals"
	id, rest := shift(rest)
	if id == "" || rest != "/finalize" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !a.authorized(w, r) {
		return
	}
	var req swarmtypes.WithdrawFinalizeBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wd, err := a.l.WithdrawFinalize(id, req.ExternalTx)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.met != nil {
		a.met.Withdrawals.Inc()
	}
	writeJSON(w, http.StatusOK, wd)
}

func (a *LedgerAPI) epochRoutes(w http.ResponseWriter, r *http.Request) {
	_, rest := shift(r.URL.Path) // strip "epochs"
	epochID, rest := shift(rest)
	if epochID == "" {
		notFound(w)
		return
	}

	switch {
	case rest == "/":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		e, found, err := a.l.Epoch(epochID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrNotFound, "epoch %s", epochID))
			return
		}
		writeJSON(w, http.StatusOK, e)

	case rest == "/seal":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if !a.authorized(w, r) {
			return
		}
		var req swarmtypes.SealEpochRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		start := time.Now()
		e, err := a.l.SealEpoch(epochID, req.MerkleRoot, req.JobsCount, req.TotalRevenue, req.Settlements, req.Signature, req.CASHandle)
		if err != nil {
			writeError(w, err)
			return
		}
		if a.met != nil {
			a.met.EpochSealSecs.Observe(time.Since(start).Seconds())
			a.met.EpochsFinalized.Inc()
		}
		writeJSON(w, http.StatusOK, e)

	default:
		head, tail := shift(rest)
		if head != "receipts" {
			notFound(w)
			return
		}
		jobID, _ := shift(tail)
		if jobID == "" {
			notFound(w)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		a.receipt(w, epochID, jobID)
	}
}

// receipt rebuilds a job's inclusion receipt from the epoch's persisted
// bundle: fetch the bundle from CAS, rebuild the tree over the archived
// leaf jobs, and produce the proof.
func (a *LedgerAPI) receipt(w http.ResponseWriter, epochID, jobID string) {
	if a.bundles == nil {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrUnavailable, "epoch archive has no bundle store"))
		return
	}
	e, found, err := a.l.Epoch(epochID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found || e.Status != swarmtypes.EpochFinalized {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrNotFound, "no sealed epoch %s", epochID))
		return
	}
	if e.CASHandle == "" {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrNotFound, "epoch %s has no persisted bundle", epochID))
		return
	}

	raw, err := a.bundles.Get(e.CASHandle)
	if err != nil {
		writeError(w, swarmtypes.Wrap(swarmtypes.ErrUnavailable, err, "bundle fetch for epoch %s", epochID))
		return
	}
	var bundle settlement.EpochBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		writeError(w, swarmtypes.Wrap(swarmtypes.ErrInternal, err, "corrupt bundle for epoch %s", epochID))
		return
	}
	var leaves []receipt.LeafJob
	if err := json.Unmarshal(bundle.Jobs, &leaves); err != nil {
		writeError(w, swarmtypes.Wrap(swarmtypes.ErrInternal, err, "corrupt job set for epoch %s", epochID))
		return
	}

	tree, err := receipt.Build(leaves)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, leaf := range leaves {
		if leaf.JobID != jobID {
			continue
		}
		rcpt, err := receipt.BuildReceiptFromLeaf(leaf, tree, e.CASHandle)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rcpt)
		return
	}
	writeError(w, swarmtypes.NewError(swarmtypes.ErrNotFound, "job %s is not in epoch %s", jobID, epochID))
}

// verify checks an inclusion proof supplied entirely by the caller.
func (a *LedgerAPI) verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	leaf, err := decodeDigest(req.LeafHash)
	if err != nil {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "invalid leaf_hash"))
		return
	}
	root, err := decodeDigest(req.ExpectedRoot)
	if err != nil {
		writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "invalid expected_root"))
		return
	}
	proof := make([]receipt.ProofStep, len(req.Proof))
	for i, s := range req.Proof {
		sib, err := decodeDigest(s.Hash)
		if err != nil {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "invalid proof hash at step %d", i))
			return
		}
		side, err := receipt.ParseSide(s.Position)
		if err != nil {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "invalid proof position at step %d", i))
			return
		}
		proof[i] = receipt.ProofStep{Sibling: sib, Side: side}
	}
	writeJSON(w, http.StatusOK, swarmtypes.VerifyResponse{Valid: receipt.Verify(leaf, proof, root)})
}
