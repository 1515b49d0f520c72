package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/keyrelay/internal/policy"
)

// FeePolicyWriteHandler handles PUT /v1/policy/fee
func (s *Server) FeePolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	var req policy.FeeSettings
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signer, _ := signerFromCtx(r.Context())
	p, err := s.policy.SetFeePolicy(r.Context(), signer, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FeePolicyReadHandler handles GET /v1/policy/fee
func (s *Server) FeePolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.policy.FeePolicy(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AssetFeePolicyWriteHandler handles PUT /v1/policy/assets/{asset}
func (s *Server) AssetFeePolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeBps uint16 `json:"fee_bps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signer, _ := signerFromCtx(r.Context())
	p, err := s.policy.SetAssetFeePolicy(r.Context(), signer, chi.URLParam(r, "asset"), req.FeeBps)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AssetFeePolicyReadHandler handles GET /v1/policy/assets/{asset}
func (s *Server) AssetFeePolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.policy.AssetFeePolicy(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SecurityPolicyWriteHandler handles PUT /v1/policy/security/{user_id}
func (s *Server) SecurityPolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	var req policy.SecurityLimits
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signer, _ := signerFromCtx(r.Context())
	p, err := s.policy.SetSecurityPolicy(r.Context(), signer, chi.URLParam(r, "user_id"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SecurityPolicyReadHandler handles GET /v1/policy/security/{user_id}
func (s *Server) SecurityPolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.policy.SecurityPolicy(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
