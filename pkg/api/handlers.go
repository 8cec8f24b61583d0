package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/blossm-network/packages/pkg/ledger"
)

// EventHeaders are the caller-supplied headers of one proposed event.
type EventHeaders struct {
	Root        string         `json:"root"`
	Topic       string         `json:"topic"`
	Action      string         `json:"action"`
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	Network     string         `json:"network,omitempty"`
	Idempotency string         `json:"idempotency,omitempty"`
	Created     time.Time      `json:"created,omitempty"`
	Trace       string         `json:"trace,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// EventData is one entry of an append body. Number, when set, is the
// sequence number the caller expects the event to receive.
type EventData struct {
	Event struct {
		Headers EventHeaders   `json:"headers"`
		Payload map[string]any `json:"payload"`
	} `json:"event"`
	Number *int64 `json:"number,omitempty"`
}

// AppendBody is the POST / request body.
type AppendBody struct {
	Tx        string      `json:"tx,omitempty"`
	EventData []EventData `json:"eventData"`
}

func (b AppendBody) request() ledger.AppendRequest {
	req := ledger.AppendRequest{TxID: b.Tx, Proposals: make([]ledger.Proposal, len(b.EventData))}
	for i, d := range b.EventData {
		h := d.Event.Headers
		req.Proposals[i] = ledger.Proposal{
			Root:           h.Root,
			Topic:          h.Topic,
			Action:         h.Action,
			Domain:         h.Domain,
			Service:        h.Service,
			Network:        h.Network,
			IdempotencyKey: h.Idempotency,
			Created:        h.Created,
			TraceID:        h.Trace,
			Context:        h.Context,
			Payload:        d.Event.Payload,
			Number:         d.Number,
		}
	}
	return req
}

// TxHeader carries the id of the transaction an append produced.
const TxHeader = "X-Ledger-Tx"

// handleAppend writes one atomic batch. A body that does not decode is a
// malformed payload (500); shape problems found by the engine are 400.
// A notification failure after commit is logged and still answers 204.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body AppendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds the size limit")
			return
		}
		WriteError(w, r, http.StatusInternalServerError, "Malformed Payload", "request body is not a valid event batch")
		return
	}

	req := body.request()
	// The ledger stores any action; the gateway only accepts the ones this
	// service can replay.
	handlers := s.ledger.Handlers()
	for i, p := range req.Proposals {
		if p.Action == "" {
			continue
		}
		if _, ok := handlers.Lookup(p.Action); !ok {
			s.writeLedgerError(w, r, &ledger.ValidationError{Index: i, Field: "action", Message: fmt.Sprintf("no handler for action %q", p.Action)})
			return
		}
	}

	receipt, err := s.ledger.Append(r.Context(), req)
	var publishErr *ledger.PublishError
	switch {
	case errors.As(err, &publishErr) && receipt != nil:
		s.logger.WarnContext(r.Context(), "events saved but notification failed",
			"tx", receipt.TxID, "topic", publishErr.Topic, "error", publishErr.Err)
	case err != nil:
		s.writeLedgerError(w, r, err)
		return
	}
	w.Header().Set(TxHeader, receipt.TxID)
	w.WriteHeader(http.StatusNoContent)
}

// ndjson writes newline-delimited JSON values from concurrent producers.
// The status line is sent with the first value, so a failure before any
// value is written can still be reported as a problem.
type ndjson struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
}

func newNDJSON(w http.ResponseWriter) *ndjson {
	return &ndjson{w: w, enc: json.NewEncoder(w)}
}

func (n *ndjson) write(v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// finish ends a stream: an empty successful stream still gets a 200, and
// an error after the first value can only be logged.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, out *ndjson, err error) {
	out.mu.Lock()
	started := out.started
	out.mu.Unlock()

	switch {
	case err == nil && !started:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	case err == nil:
	case !started:
		s.writeLedgerError(w, r, err)
	case isClientGone(err):
		s.logger.DebugContext(r.Context(), "stream client disconnected", "path", r.URL.Path)
	default:
		s.logger.ErrorContext(r.Context(), "stream aborted", "path", r.URL.Path, "error", err)
	}
}

func parseRootQuery(r *http.Request) (ledger.RootQuery, int, error) {
	q := r.URL.Query()
	from, err := parseTimestamp("from", q.Get("from"))
	if err != nil {
		return ledger.RootQuery{}, 0, err
	}
	to, err := parseTimestamp("to", q.Get("to"))
	if err != nil {
		return ledger.RootQuery{}, 0, err
	}
	limit, err := parseInt("limit", q.Get("limit"), 0)
	if err != nil {
		return ledger.RootQuery{}, 0, err
	}
	parallel, err := parseParallel(q.Get("parallel"))
	if err != nil {
		return ledger.RootQuery{}, 0, err
	}
	return ledger.RootQuery{
		UpdatedOnOrAfter: from,
		UpdatedBefore:    to,
		Limit:            limit,
		Reverse:          q.Get("reverse") == "true",
	}, parallel, nil
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	query, parallel, err := parseRootQuery(r)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	out := newNDJSON(w)
	err = s.ledger.StreamRoots(r.Context(), query, parallel, func(_ context.Context, ra ledger.RootActivity) error {
		return out.write(ra)
	})
	s.finish(w, r, out, err)
}

func parseAggregateQuery(r *http.Request) (ledger.StreamAggregatesOptions, error) {
	query, parallel, err := parseRootQuery(r)
	if err != nil {
		return ledger.StreamAggregatesOptions{}, err
	}
	at, err := parseTimestamp("timestamp", r.URL.Query().Get("timestamp"))
	if err != nil {
		return ledger.StreamAggregatesOptions{}, err
	}
	var filter *ledger.Filter
	if expr := r.URL.Query().Get("filter"); expr != "" {
		if filter, err = ledger.CompileFilter(expr); err != nil {
			return ledger.StreamAggregatesOptions{}, err
		}
	}
	return ledger.StreamAggregatesOptions{
		RootQuery: query,
		At:        at,
		Filter:    filter,
		Parallel:  parallel,
	}, nil
}

func (s *Server) handleStreamAggregates(w http.ResponseWriter, r *http.Request) {
	opts, err := parseAggregateQuery(r)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	out := newNDJSON(w)
	err = s.ledger.StreamAggregates(r.Context(), opts, func(_ context.Context, agg *ledger.Aggregate) error {
		return out.write(agg)
	})
	s.finish(w, r, out, err)
}

// handleQuery answers GET / without a root: the aggregates matching the
// same parameters as /stream-aggregates, as one JSON array ordered by root.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	opts, err := parseAggregateQuery(r)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	var (
		mu   sync.Mutex
		aggs = []*ledger.Aggregate{}
	)
	err = s.ledger.StreamAggregates(r.Context(), opts, func(_ context.Context, agg *ledger.Aggregate) error {
		mu.Lock()
		aggs = append(aggs, agg)
		mu.Unlock()
		return nil
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Root < aggs[j].Root })
	writeJSON(w, http.StatusOK, aggs)
}
