package api

import (
	"io"
	"net/http"

	"github.com/org/keyrelay/internal/forward"
	"github.com/org/keyrelay/internal/identity"
)

// TargetStatusHandler handles GET /v1/target/status
func (s *Server) TargetStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.target.Status())
}

// TargetPauseHandler handles POST /v1/target/pause. It toggles.
func (s *Server) TargetPauseHandler(w http.ResponseWriter, r *http.Request) {
	signer, _ := signerFromCtx(r.Context())
	paused, err := s.target.TogglePause(signer)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	targetPaused.Set(boolGauge(paused))
	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

// TargetAdminHandler handles POST /v1/target/admin
func (s *Server) TargetAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAdmin identity.Key `json:"new_admin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signer, _ := signerFromCtx(r.Context())
	if err := s.target.ChangeAdmin(signer, req.NewAdmin); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.target.Status())
}

// TargetInvokeHandler handles POST /v1/target/invoke?account=&on_behalf=.
// The request signer is the forwarding caller; the body is the raw envelope.
func (s *Server) TargetInvokeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account, err := identity.ParseAddress(q.Get(forward.ParamAccount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+forward.ParamAccount)
		return
	}
	onBehalf, err := identity.ParseKey(q.Get(forward.ParamOnBehalf))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+forward.ParamOnBehalf)
		return
	}
	envelope, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	caller, _ := signerFromCtx(r.Context())
	receipt, err := s.target.Invoke(r.Context(), caller, account, onBehalf, envelope)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
