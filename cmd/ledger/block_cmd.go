package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/ledger"
)

// withSubsystems parses flags, builds the engine and runs fn.
// Exit codes: 0 = success, 1 = verification or operation failed,
// 2 = usage or setup error.
func withSubsystems(name string, args []string, stderr io.Writer, register func(*pflag.FlagSet), fn func(context.Context, *subsystems) int) int {
	cmd := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	if register != nil {
		register(cmd)
	}
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	subs, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer subs.Close(ctx)
	return fn(ctx, subs)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runCreateBlock(args []string, stdout, stderr io.Writer) int {
	var headersOnly bool
	return withSubsystems("create-block", args, stderr, func(fs *pflag.FlagSet) {
		fs.BoolVar(&headersOnly, "headers", false, "Print only the block hash and headers")
	}, func(ctx context.Context, subs *subsystems) int {
		block, err := subs.engine.CreateBlock(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: create block: %v\n", err)
			return 1
		}
		if headersOnly {
			printJSON(stdout, map[string]any{"hash": block.Hash, "headers": block.Headers})
		} else {
			printJSON(stdout, block)
		}
		return 0
	})
}

// checkBlock verifies a block's contents and signature.
func checkBlock(b *ledger.Block, subs *subsystems) error {
	if err := ledger.VerifyContents(b, subs.engine.Options().MerkleHash); err != nil {
		return err
	}
	return crypto.VerifyBlock(b)
}

func runVerifyBlock(args []string, stdout, stderr io.Writer) int {
	var number int64
	return withSubsystems("verify-block", args, stderr, func(fs *pflag.FlagSet) {
		fs.Int64Var(&number, "number", -1, "Block to verify (default: the latest)")
	}, func(ctx context.Context, subs *subsystems) int {
		var (
			block *ledger.Block
			err   error
		)
		if number < 0 {
			block, err = subs.engine.LatestBlock(ctx)
		} else {
			block, err = subs.engine.Block(ctx, number)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: load block: %v\n", err)
			return 2
		}
		if block == nil {
			_, _ = fmt.Fprintln(stderr, "Error: no blocks yet")
			return 2
		}

		var previous *ledger.Block
		if n := block.Headers.Number; n > 0 {
			if previous, err = subs.engine.Block(ctx, n-1); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: load block %d: %v\n", n-1, err)
				return 2
			}
			if err := checkBlock(previous, subs); err != nil {
				_, _ = fmt.Fprintf(stdout, "FAIL block %d: %v\n", previous.Headers.Number, err)
				return 1
			}
		}
		if err := checkBlock(block, subs); err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL block %d: %v\n", block.Headers.Number, err)
			return 1
		}
		if err := ledger.VerifyLink(previous, block); err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "OK block %d %s\n", block.Headers.Number, block.Hash)
		return 0
	})
}

func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	return withSubsystems("verify-chain", args, stderr, nil, func(ctx context.Context, subs *subsystems) int {
		checked, err := subs.engine.VerifyChain(ctx, crypto.VerifyBlock)
		var chainErr *ledger.ChainError
		switch {
		case errors.As(err, &chainErr):
			_, _ = fmt.Fprintf(stdout, "FAIL %v (%d blocks verified before it)\n", chainErr, checked)
			return 1
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "OK %d blocks\n", checked)
		return 0
	})
}

func runVerifyArchive(args []string, stdout, stderr io.Writer) int {
	var number int64
	return withSubsystems("verify-archive", args, stderr, func(fs *pflag.FlagSet) {
		fs.Int64Var(&number, "number", -1, "Archived block to verify (REQUIRED)")
	}, func(ctx context.Context, subs *subsystems) int {
		if number < 0 {
			_, _ = fmt.Fprintln(stderr, "Error: --number is required")
			return 2
		}
		if subs.archiver == nil {
			_, _ = fmt.Fprintln(stderr, "Error: ARCHIVE_BACKEND is none")
			return 2
		}
		archived, err := subs.archiver.Fetch(ctx, number)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: fetch block %d: %v\n", number, err)
			return 2
		}
		if err := checkBlock(archived, subs); err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL archived block %d: %v\n", number, err)
			return 1
		}
		stored, err := subs.engine.Block(ctx, number)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: load block %d: %v\n", number, err)
			return 2
		case stored.Hash != archived.Hash:
			_, _ = fmt.Fprintf(stdout, "FAIL archived block %d differs from the stored block\n", number)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "OK archived block %d %s\n", number, archived.Hash)
		return 0
	})
}
