package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/keys"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/pkg/models"
)

// maxTTLSeconds is the largest ttl_seconds that fits a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// MappingRegisterHandler handles POST /v1/mappings
func (s *Server) MappingRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string       `json:"user_id"`
		TempKey    identity.Key `json:"temp_key"`
		BackupKey  identity.Key `json:"backup_key"`
		ExpiresAt  time.Time    `json:"expires_at"`
		TTLSeconds int64        `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiresAt.IsZero() {
		if req.TTLSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "expires_at or ttl_seconds is required")
			return
		}
		if req.TTLSeconds > maxTTLSeconds {
			writeError(w, http.StatusBadRequest, "ttl_seconds too large")
			return
		}
		req.ExpiresAt = s.cfg.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	signer, _ := signerFromCtx(r.Context())
	km, err := s.keys.Register(r.Context(), signer, keys.RegisterRequest{
		UserID:    req.UserID,
		TempKey:   req.TempKey,
		BackupKey: req.BackupKey,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.refreshMappingGauge(r.Context())
	writeJSON(w, http.StatusCreated, km)
}

// MappingReadHandler handles GET /v1/mappings/{temp}. Admins and the
// mapping's own keys may read it.
func (s *Server) MappingReadHandler(w http.ResponseWriter, r *http.Request) {
	temp, err := keyParam(r, "temp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	km, err := s.keys.Get(r.Context(), temp)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	signer, _ := signerFromCtx(r.Context())
	if !s.cfg.Admins.Contains(signer) && km.SignerRole(signer) == models.RoleNone {
		writeDomainError(w, r, relayerr.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mapping": km,
		"expired": km.IsExpired(s.cfg.Now()),
	})
}

// MappingRevokeHandler handles POST /v1/mappings/{temp}/revoke
func (s *Server) MappingRevokeHandler(w http.ResponseWriter, r *http.Request) {
	temp, err := keyParam(r, "temp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	signer, _ := signerFromCtx(r.Context())
	km, err := s.keys.Revoke(r.Context(), signer, temp)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.refreshMappingGauge(r.Context())
	writeJSON(w, http.StatusOK, km)
}

// MappingRotateHandler handles POST /v1/mappings/{temp}/rotate-backup
func (s *Server) MappingRotateHandler(w http.ResponseWriter, r *http.Request) {
	temp, err := keyParam(r, "temp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		NewBackupKey identity.Key `json:"new_backup_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signer, _ := signerFromCtx(r.Context())
	km, err := s.keys.RotateBackup(r.Context(), signer, temp, req.NewBackupKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, km)
}

func (s *Server) refreshMappingGauge(ctx context.Context) {
	n, err := s.store.CountKeyMappings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("counting key mappings")
		return
	}
	activeMappings.Set(float64(n))
}
