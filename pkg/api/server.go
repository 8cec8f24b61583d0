// Package api exposes the ledger over HTTP: event append, aggregate reads,
// newline-delimited root and aggregate streams, block creation and block,
// transaction and proof lookups. Errors are RFC 7807 problem documents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/merkle"
)

// Ledger is the engine surface the HTTP layer drives.
type Ledger interface {
	Append(ctx context.Context, req ledger.AppendRequest) (*ledger.Receipt, error)
	Aggregate(ctx context.Context, root string, opts ledger.AggregateOptions) (*ledger.Aggregate, error)
	Count(ctx context.Context, root string) (int64, error)
	StreamRoots(ctx context.Context, q ledger.RootQuery, parallel int, fn func(context.Context, ledger.RootActivity) error) error
	StreamAggregates(ctx context.Context, opts ledger.StreamAggregatesOptions, fn func(context.Context, *ledger.Aggregate) error) error
	CreateBlock(ctx context.Context) (*ledger.Block, error)
	EventsByTx(ctx context.Context, txID string) ([]ledger.Event, error)
	LatestBlock(ctx context.Context) (*ledger.Block, error)
	Block(ctx context.Context, n int64) (*ledger.Block, error)
	Prove(ctx context.Context, n int64, kind ledger.ProofKind, id string) (merkle.InclusionProof, error)
	Handlers() *ledger.Handlers
}

const (
	maxBodyBytes    = 4 << 20
	defaultParallel = 10
	maxParallel     = 100
)

// Server serves one ledger.
type Server struct {
	ledger Ledger
	logger *slog.Logger
}

func NewServer(l Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ledger: l, logger: logger.With("component", "api")}
}

// Handler returns the routed handler wrapped in request-id tagging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleAppend)
	mux.HandleFunc("POST /create-block", s.handleCreateBlock)
	mux.HandleFunc("GET /count/{root}", s.handleCount)
	mux.HandleFunc("GET /roots", s.handleRoots)
	mux.HandleFunc("GET /stream-aggregates", s.handleStreamAggregates)
	mux.HandleFunc("GET /tx/{id}", s.handleTx)
	mux.HandleFunc("GET /blocks/latest", s.handleLatestBlock)
	mux.HandleFunc("GET /blocks/{number}", s.handleBlock)
	mux.HandleFunc("GET /blocks/{number}/proofs/{kind}/{id}", s.handleProof)
	mux.HandleFunc("GET /{$}", s.handleQuery)
	mux.HandleFunc("GET /{root}", s.handleAggregate)
	return RequestID(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badParam(name, detail string) *ProblemDetail {
	return &ProblemDetail{Status: http.StatusBadRequest, Title: "Bad Request", Detail: name + ": " + detail}
}

// parseTimestamp accepts unix milliseconds or RFC 3339.
func parseTimestamp(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, badParam(name, "expected unix milliseconds or RFC 3339")
	}
	return t.UTC(), nil
}

func parseInt(name, raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badParam(name, "expected a non-negative integer")
	}
	return n, nil
}

func parseParallel(raw string) (int, error) {
	n, err := parseInt("parallel", raw, defaultParallel)
	if err != nil {
		return 0, err
	}
	return min(max(n, 1), maxParallel), nil
}

func parseBlockNumber(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, badParam("number", "expected a block number")
	}
	return n, nil
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.Count(r.Context(), r.PathValue("root"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	q := r.URL.Query()
	at, err := parseTimestamp("timestamp", q.Get("timestamp"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	agg, err := s.ledger.Aggregate(r.Context(), root, ledger.AggregateOptions{
		At:            at,
		IncludeEvents: q.Get("events") == "true",
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if agg == nil {
		WriteNotFound(w, r, "no events for root "+root)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.ledger.CreateBlock(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "block created",
		"block", block.Headers.Number, "hash", block.Hash, "snapshots", block.Headers.SnapshotCount)
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledger.EventsByTx(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if len(events) == 0 {
		WriteNotFound(w, r, "unknown transaction")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.ledger.LatestBlock(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if block == nil {
		WriteNotFound(w, r, "no blocks yet")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	n, err := parseBlockNumber(r.PathValue("number"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	block, err := s.ledger.Block(r.Context(), n)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	n, err := parseBlockNumber(r.PathValue("number"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	proof, err := s.ledger.Prove(r.Context(), n, ledger.ProofKind(r.PathValue("kind")), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// isClientGone reports errors caused by the caller disconnecting.
func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
