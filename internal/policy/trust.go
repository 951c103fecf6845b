package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/crewline/crewd/internal/audit"
	"github.com/crewline/crewd/internal/eventlog"
)

// TrustStore pins SHA-256 checksums of collaborator binaries (MCP servers,
// CLI adapters) so a swapped binary is caught before it is spoken to.
type TrustStore struct {
	store *eventlog.Store
}

// NewTrustStore wraps the durable checksum table.
func NewTrustStore(store *eventlog.Store) *TrustStore {
	return &TrustStore{store: store}
}

// Pin computes and records the trusted checksum for a binary. Re-pinning an
// updated binary replaces the old checksum; that is the explicit operator
// action after a deliberate upgrade.
func (t *TrustStore) Pin(ctx context.Context, path string) (string, error) {
	digest, err := fileDigest(path)
	if err != nil {
		return "", err
	}
	if err := t.store.PinBinary(ctx, path, digest); err != nil {
		return "", err
	}
	audit.Record(ctx, "allow", "trust.pin", digest, "binary:"+path)
	return digest, nil
}

// Verify recomputes the binary's checksum and compares it to the pinned
// one. An unpinned binary is a violation too: trust is granted explicitly,
// never on first contact.
func (t *TrustStore) Verify(ctx context.Context, path string) error {
	pinned, err := t.store.TrustedDigest(ctx, path)
	if errors.Is(err, eventlog.ErrBinaryNotPinned) {
		audit.Record(ctx, "deny", "trust.verify", "binary not pinned", "binary:"+path)
		return &ViolationError{Kind: ViolationSupplyChain, Tool: path, Reason: "binary not pinned"}
	}
	if err != nil {
		return err
	}
	current, err := fileDigest(path)
	if err != nil {
		return err
	}
	if current != pinned {
		audit.Record(ctx, "deny", "trust.verify", "checksum changed since pinned", "binary:"+path)
		return &ViolationError{Kind: ViolationSupplyChain, Tool: path, Reason: "binary checksum changed since it was pinned"}
	}
	if err := t.store.MarkBinaryVerified(ctx, path); err != nil {
		return err
	}
	audit.Record(ctx, "allow", "trust.verify", "checksum matches", "binary:"+path)
	return nil
}

// List returns every pinned binary.
func (t *TrustStore) List(ctx context.Context) ([]eventlog.TrustedBinary, error) {
	return t.store.ListTrustedBinaries(ctx)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open binary: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash binary: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
