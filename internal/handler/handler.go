// Package handler exposes diagnostics, protocol checks, negotiation and
// error classification over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/classify"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

const maxRequestBody = 1 << 20

// Runner runs a full diagnosis. *diagnostics.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, t target.Target, opts ...diagnostics.RunOption) *diagnostics.Results
}

// ProtocolDiagnoser runs a protocol deep diagnostic.
type ProtocolDiagnoser interface {
	Diagnose(ctx context.Context, protocol target.Protocol, t target.Target) *protocoldiag.Report
}

// Negotiator establishes an RDP security layer. *negotiation.Engine
// implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, t target.Target, settings negotiation.Settings) (*negotiation.Established, error)
}

// Options configures a Handler.
type Options struct {
	Diagnostics Runner
	Protocol    ProtocolDiagnoser
	Negotiator  Negotiator
	// Settings are the negotiation defaults a request may override.
	Settings negotiation.Settings
	// AllowedOrigins restricts websocket origins; empty allows localhost only.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	opts Options
	log  *zap.Logger
}

// New returns a handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{opts: opts, log: opts.Logger}
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/diagnostics", h.Diagnostics)
	mux.HandleFunc("/protocol", h.Protocol)
	mux.HandleFunc("/negotiate", h.Negotiate)
	mux.HandleFunc("/classify", h.Classify)
	mux.HandleFunc("/healthz", h.Health)
	return mux
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Protocol runs the deep diagnostic for the posted target.
func (h *Handler) Protocol(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if h.opts.Protocol == nil {
		writeError(w, http.StatusNotImplemented, errors.New("protocol diagnostics not configured"))
		return
	}

	var req targetRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := req.target()
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !protocoldiag.Supported(t.Protocol) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no deep diagnostic for protocol %q", t.Protocol))
		return
	}

	report := h.opts.Protocol.Diagnose(r.Context(), t.Protocol, t)
	h.log.Info("protocol diagnostic",
		zap.String("target", report.Target),
		zap.String("protocol", string(t.Protocol)),
		zap.String("summary", report.Summary))
	writeJSON(w, http.StatusOK, report)
}

// credentials is the wire form of target.Credentials, whose secrets are
// never serialised in responses.
type credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Domain     string `json:"domain"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

type targetRequest struct {
	target.Target
	Credentials *credentials `json:"credentials,omitempty"`
}

func (r targetRequest) target() target.Target {
	t := r.Target
	if c := r.Credentials; c != nil {
		t.Credentials = target.Credentials{
			Username:   c.Username,
			Password:   c.Password,
			Domain:     c.Domain,
			PrivateKey: c.PrivateKey,
			Passphrase: c.Passphrase,
		}
	}
	return t
}

type negotiateRequest struct {
	Target   targetRequest         `json:"target"`
	Settings *negotiation.Settings `json:"settings,omitempty"`
}

// Negotiate runs the negotiation engine and returns the session log with
// a classification of the best failure.
func (h *Handler) Negotiate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if h.opts.Negotiator == nil {
		writeError(w, http.StatusNotImplemented, errors.New("negotiation not configured"))
		return
	}

	// Fields the client omits keep the configured values.
	settings := h.opts.Settings
	req := negotiateRequest{Settings: &settings}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := req.Target.target()
	if t.Protocol == "" {
		t.Protocol = target.ProtocolRDP
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	est, err := h.opts.Negotiator.Negotiate(r.Context(), t, settings)
	if est != nil {
		defer est.Close()
	}
	out := negotiation.NewOutcome(t, settings, est, err)
	h.log.Info("negotiation finished",
		zap.String("target", t.Address()),
		zap.Bool("success", out.Success),
		zap.Error(err))
	writeJSON(w, http.StatusOK, out)
}

type classifyRequest struct {
	Error    string            `json:"error"`
	Settings classify.Settings `json:"settings"`
}

// Classify categorises a raw error message.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req classifyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, classify.Classify(req.Error, req.Settings))
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
