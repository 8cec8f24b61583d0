package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/kms"
)

// runKeygen writes a new Ed25519 signing seed and prints its public key.
// With --age it also prints a fresh age identity for AGE_RECIPIENTS.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	out := cmd.String("out", "ledger.key", "Path of the signing seed file to create")
	keyID := cmd.String("key-id", "ledger", "Key identifier")
	withAge := cmd.Bool("age", false, "Also generate an age identity for payload encryption")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.WriteSeedFile(*out, *keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "signing key: %s\npublic key:  %s\n", *out, signer.PublicKey())

	if *withAge {
		identity, recipient, err := kms.GenerateAgeIdentity()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "age identity:  %s\nage recipient: %s\n", identity, recipient)
	}
	return 0
}

// runRotateKey adds a new active AES key to the keystore. Blocks sealed
// under earlier versions stay readable.
func runRotateKey(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("rotate-key", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, _, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.Public || len(cfg.AgeRecipients) > 0 {
		_, _ = fmt.Fprintln(stderr, "Error: rotate-key applies only to the local keystore of a private ledger")
		return 2
	}
	keystore, err := kms.NewLocalKMS(cfg.KeystorePath, keystoreLabel(cfg))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	version, err := keystore.Rotate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "keystore: %s\nactive version: %d\n", cfg.KeystorePath, version)
	return 0
}
