package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/accessguard/accessguard/internal/admission"
	"github.com/accessguard/accessguard/internal/antiforgery"
	"github.com/accessguard/accessguard/internal/audit"
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/database"
	"github.com/accessguard/accessguard/internal/logger"
)

// Handler holds all HTTP handlers
type Handler struct {
	db     *database.Postgres
	rdb    *database.Redis
	log    *logger.Logger
	cfg    *config.Config
	trail  *audit.TrailManager
	adm    *admission.Controller
	tokens *antiforgery.Manager
}

// New creates a new Handler instance
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, trail *audit.TrailManager, adm *admission.Controller, tokens *antiforgery.Manager) *Handler {
	return &Handler{
		db:     db,
		rdb:    rdb,
		log:    log,
		cfg:    cfg,
		trail:  trail,
		adm:    adm,
		tokens: tokens,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
