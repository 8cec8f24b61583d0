// Package archive copies anchored blocks to long-term object storage.
//
// Each block is written under <prefix>/<number>/ as headers.json plus the
// three encoded blobs (events, snapshots, txs), compressed with the
// configured codec.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/blossm-network/packages/pkg/ledger"
)

// manifest is the content of headers.json.
type manifest struct {
	Signature   string              `json:"signature"`
	Hash        string              `json:"hash"`
	Headers     ledger.BlockHeaders `json:"headers"`
	Compression Compression         `json:"compression"`
}

var blobNames = [...]string{"events", "snapshots", "txs"}

// Archiver implements ledger.Archiver over a Bucket.
type Archiver struct {
	bucket      Bucket
	prefix      string
	compression Compression
}

func NewArchiver(bucket Bucket, prefix string, compression Compression) *Archiver {
	if compression == "" {
		compression = CompressionZstd
	}
	return &Archiver{bucket: bucket, prefix: prefix, compression: compression}
}

func (a *Archiver) dir(number int64) string {
	return path.Join(a.prefix, strconv.FormatInt(number, 10))
}

// Archive writes the blobs first and headers.json last, so a block whose
// headers are present is complete.
func (a *Archiver) Archive(ctx context.Context, block *ledger.Block) error {
	dir := a.dir(block.Headers.Number)
	blobs := [...][]byte{block.EncodedEvents, block.EncodedSnapshots, block.EncodedTxs}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range blobNames {
		g.Go(func() error {
			data, err := Compress(blobs[i], a.compression)
			if err != nil {
				return fmt.Errorf("archive: block %d %s: %w", block.Headers.Number, name, err)
			}
			return a.bucket.Put(gctx, path.Join(dir, name+a.compression.Extension()), data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	body, err := json.MarshalIndent(manifest{
		Signature:   block.Signature,
		Hash:        block.Hash,
		Headers:     block.Headers,
		Compression: a.compression,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode headers of block %d: %w", block.Headers.Number, err)
	}
	return a.bucket.Put(ctx, path.Join(dir, "headers.json"), body)
}

// Fetch restores an archived block.
func (a *Archiver) Fetch(ctx context.Context, number int64) (*ledger.Block, error) {
	dir := a.dir(number)
	body, err := a.bucket.Get(ctx, path.Join(dir, "headers.json"))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("archive: decode headers of block %d: %w", number, err)
	}

	var blobs [3][]byte
	for i, name := range blobNames {
		raw, err := a.bucket.Get(ctx, path.Join(dir, name+m.Compression.Extension()))
		if err != nil {
			return nil, err
		}
		if blobs[i], err = Decompress(raw, m.Compression); err != nil {
			return nil, fmt.Errorf("archive: block %d %s: %w", number, name, err)
		}
	}
	return &ledger.Block{
		Signature:        m.Signature,
		Hash:             m.Hash,
		Headers:          m.Headers,
		EncodedEvents:    blobs[0],
		EncodedSnapshots: blobs[1],
		EncodedTxs:       blobs[2],
	}, nil
}
