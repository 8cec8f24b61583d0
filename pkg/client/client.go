// Package client provides a typed Go client for the ledger HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blossm-network/packages/pkg/api"
	"github.com/blossm-network/packages/pkg/canonicalize"
	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/merkle"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status    int
	Title     string
	Detail    string
	Field     string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("ledger api %d: %s", e.Status, e.Title)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is a typed client for the ledger HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout. Streams are bounded by it too.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.RequestIDHeader, uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeProblem(resp)
	}
	return resp, nil
}

func decodeProblem(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem api.ProblemDetail
	if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
		apiErr.Field = problem.Field
		apiErr.RequestID = problem.TraceID
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get(api.RequestIDHeader)
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// stream decodes an NDJSON response one line at a time.
func stream[T any](ctx context.Context, c *Client, path string, query url.Values, fn func(T) error) error {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("client: decode %s line: %w", path, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Event is one proposed event. Number, when set, is the expected next
// event number of the root.
type Event struct {
	Headers api.EventHeaders
	Payload map[string]any
	Number  *int64
}

// Append calls POST / and returns the id of the resulting transaction.
func (c *Client) Append(ctx context.Context, tx string, events ...Event) (string, error) {
	body := api.AppendBody{Tx: tx, EventData: make([]api.EventData, len(events))}
	for i, e := range events {
		body.EventData[i].Event.Headers = e.Headers
		body.EventData[i].Event.Payload = e.Payload
		body.EventData[i].Number = e.Number
	}
	resp, err := c.send(ctx, http.MethodPost, "/", nil, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get(api.TxHeader), nil
}

// AggregateOptions selects a historical state and whether to include the
// events replayed to reach it.
type AggregateOptions struct {
	At            time.Time
	IncludeEvents bool
}

// Aggregate calls GET /{root}. A root with no events yields an *APIError
// with status 404.
func (c *Client) Aggregate(ctx context.Context, root string, opts AggregateOptions) (*ledger.Aggregate, error) {
	q := url.Values{}
	if !opts.At.IsZero() {
		q.Set("timestamp", strconv.FormatInt(opts.At.UnixMilli(), 10))
	}
	if opts.IncludeEvents {
		q.Set("events", "true")
	}
	var out ledger.Aggregate
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(root), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Count calls GET /count/{root}.
func (c *Client) Count(ctx context.Context, root string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/count/"+url.PathEscape(root), nil, nil, &out)
	return out.Count, err
}

// RootQuery narrows the roots a stream visits.
type RootQuery struct {
	From     time.Time
	To       time.Time
	Limit    int
	Reverse  bool
	Parallel int
}

func (q RootQuery) values() url.Values {
	v := url.Values{}
	if !q.From.IsZero() {
		v.Set("from", strconv.FormatInt(q.From.UnixMilli(), 10))
	}
	if !q.To.IsZero() {
		v.Set("to", strconv.FormatInt(q.To.UnixMilli(), 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Reverse {
		v.Set("reverse", "true")
	}
	if q.Parallel > 0 {
		v.Set("parallel", strconv.Itoa(q.Parallel))
	}
	return v
}

// StreamRoots calls GET /roots.
func (c *Client) StreamRoots(ctx context.Context, q RootQuery, fn func(ledger.RootActivity) error) error {
	return stream(ctx, c, "/roots", q.values(), fn)
}

// StreamAggregates calls GET /stream-aggregates. filter is a CEL
// expression over state, root and lastEventNumber; empty matches all.
func (c *Client) StreamAggregates(ctx context.Context, q RootQuery, at time.Time, filter string, fn func(*ledger.Aggregate) error) error {
	v := q.values()
	if !at.IsZero() {
		v.Set("timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	}
	if filter != "" {
		v.Set("filter", filter)
	}
	return stream(ctx, c, "/stream-aggregates", v, fn)
}

// Query calls GET / with no root and returns the matching aggregates in
// root order.
func (c *Client) Query(ctx context.Context, q RootQuery, at time.Time, filter string) ([]*ledger.Aggregate, error) {
	v := q.values()
	if !at.IsZero() {
		v.Set("timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	}
	if filter != "" {
		v.Set("filter", filter)
	}
	var out []*ledger.Aggregate
	err := c.do(ctx, http.MethodGet, "/", v, nil, &out)
	return out, err
}

// EventsByTx calls GET /tx/{id}.
func (c *Client) EventsByTx(ctx context.Context, tx string) ([]ledger.Event, error) {
	var out []ledger.Event
	err := c.do(ctx, http.MethodGet, "/tx/"+url.PathEscape(tx), nil, nil, &out)
	return out, err
}

// CreateBlock calls POST /create-block.
func (c *Client) CreateBlock(ctx context.Context) (*ledger.Block, error) {
	var out ledger.Block
	if err := c.do(ctx, http.MethodPost, "/create-block", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestBlock calls GET /blocks/latest.
func (c *Client) LatestBlock(ctx context.Context) (*ledger.Block, error) {
	var out ledger.Block
	if err := c.do(ctx, http.MethodGet, "/blocks/latest", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Block calls GET /blocks/{number}.
func (c *Client) Block(ctx context.Context, n int64) (*ledger.Block, error) {
	var out ledger.Block
	if err := c.do(ctx, http.MethodGet, "/blocks/"+strconv.FormatInt(n, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Prove calls GET /blocks/{number}/proofs/{kind}/{id}.
func (c *Client) Prove(ctx context.Context, n int64, kind ledger.ProofKind, id string) (merkle.InclusionProof, error) {
	var out merkle.InclusionProof
	path := fmt.Sprintf("/blocks/%d/proofs/%s/%s", n, url.PathEscape(string(kind)), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

// VerifiedProof fetches block n and an inclusion proof for id, and checks
// both locally: the block's contents and signature, then the proof against
// the block's root for kind. The proof must name id's leaf and carry the
// hash of the value the block stores for it. The server is trusted for
// nothing but bytes.
func (c *Client) VerifiedProof(ctx context.Context, n int64, kind ledger.ProofKind, id string) (*ledger.Block, merkle.InclusionProof, error) {
	block, err := c.Block(ctx, n)
	if err != nil {
		return nil, merkle.InclusionProof{}, err
	}
	proof, err := c.Prove(ctx, n, kind, id)
	if err != nil {
		return nil, merkle.InclusionProof{}, err
	}
	if err := ledger.VerifyContents(block, proof.Algorithm); err != nil {
		return nil, merkle.InclusionProof{}, err
	}
	if err := crypto.VerifyBlock(block); err != nil {
		return nil, merkle.InclusionProof{}, err
	}

	var (
		root string
		blob []byte
	)
	switch kind {
	case ledger.ProofEvents:
		root, blob = block.Headers.EventsRoot, block.EncodedEvents
	case ledger.ProofSnapshots:
		root, blob = block.Headers.SnapshotsRoot, block.EncodedSnapshots
	case ledger.ProofTxs:
		root, blob = block.Headers.TxsRoot, block.EncodedTxs
	}
	// The proof must be for id's leaf as the block stores it, not merely
	// some leaf of the block.
	key := canonicalize.MustHash(id)
	if proof.LeafKey != key {
		return nil, merkle.InclusionProof{}, fmt.Errorf("client: %s proof is for leaf %s, want %s (%q)", kind, proof.LeafKey, key, id)
	}
	pairs, err := canonicalize.DecodePairs(blob)
	if err != nil {
		return nil, merkle.InclusionProof{}, fmt.Errorf("client: decode block %d %s: %w", n, kind, err)
	}
	found := false
	for _, p := range pairs {
		if p.Key() != key {
			continue
		}
		if merkle.LeafHash(proof.Algorithm, key, p.Value()) != proof.LeafHash {
			return nil, merkle.InclusionProof{}, fmt.Errorf("client: %s proof leaf hash for %q does not match block %d", kind, id, n)
		}
		found = true
		break
	}
	if !found {
		return nil, merkle.InclusionProof{}, fmt.Errorf("client: %s %q is not in block %d", kind, id, n)
	}
	if !merkle.VerifyInclusionProof(proof, root) {
		return nil, merkle.InclusionProof{}, fmt.Errorf("client: %s proof for %q does not reach block %d root", kind, id, n)
	}
	return block, proof, nil
}
