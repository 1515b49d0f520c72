package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relay"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/pkg/models"
)

// TransferHandler handles POST /v1/actions/transfer
func (s *Server) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req relay.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Signer, _ = signerFromCtx(r.Context())
	req.RequestID = requestIDFromCtx(r.Context())

	res, err := s.dispatcher.Transfer(r.Context(), req)
	actionsTotal.WithLabelValues(models.ActionTransfer, relay.Outcome(err)).Inc()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if res.Quote.Fee > 0 {
		feesCollected.WithLabelValues(s.feeAssetLabel(r.Context(), req.AssetID)).Add(float64(res.Quote.Fee))
	}
	writeJSON(w, http.StatusOK, res)
}

// RelayHandler handles POST /v1/actions/relay
func (s *Server) RelayHandler(w http.ResponseWriter, r *http.Request) {
	var req relay.RelayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Signer, _ = signerFromCtx(r.Context())
	req.RequestID = requestIDFromCtx(r.Context())

	res, err := s.dispatcher.Relay(r.Context(), req)
	actionsTotal.WithLabelValues(models.ActionRelay, relay.Outcome(err)).Inc()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ActionLogHandler handles GET /v1/actions?user_id=&since=&limit=&offset=
func (s *Server) ActionLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ActionFilter{UserID: q.Get("user_id")}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.ActionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// CreditHandler handles POST /v1/ledger/credit
func (s *Server) CreditHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID string       `json:"asset_id"`
		Owner   identity.Key `json:"owner"`
		Amount  uint64       `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.Credit(r.Context(), req.AssetID, req.Owner, req.Amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.writeBalance(w, r, req.AssetID, req.Owner)
}

// BalanceHandler handles GET /v1/ledger/balance?asset_id=&owner=
func (s *Server) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.ParseKey(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeBalance(w, r, r.URL.Query().Get("asset_id"), owner)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, assetID string, owner identity.Key) {
	bal, err := s.store.Balance(r.Context(), assetID, owner)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": assetID, "owner": owner, "balance": bal})
}

// feeAssetLabel keeps the fee metric's label set bounded: only assets an
// admin has given their own fee policy are named, the rest share "other".
func (s *Server) feeAssetLabel(ctx context.Context, assetID string) string {
	if assetID == models.NativeAsset {
		return "native"
	}
	if _, err := s.store.GetAssetFeePolicy(ctx, assetID); err != nil {
		return "other"
	}
	return assetID
}
