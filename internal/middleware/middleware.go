package middleware

import (
	"github.com/accessguard/accessguard/internal/admission"
	"github.com/accessguard/accessguard/internal/antiforgery"
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/logger"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	adm    *admission.Controller
	tokens *antiforgery.Manager
	log    *logger.Logger
	cfg    *config.Config
}

// New creates a new Middleware instance
func New(adm *admission.Controller, tokens *antiforgery.Manager, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		adm:    adm,
		tokens: tokens,
		log:    log,
		cfg:    cfg,
	}
}
