package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodyledger/internal/blob"
	"custodyledger/pkg/domain"
)

// GenesisDigest seeds every unit's chain digest.
var GenesisDigest = strings.Repeat("0", 64)

// ErrDigestMismatch is returned when a certificate's records do not hash to
// its recorded chain digest.
var ErrDigestMismatch = errors.New("chain digest mismatch")

// Certificate is a self-verifying export of a unit's provenance history.
type Certificate struct {
	UnitID      string             `json:"unit_id"`
	Owner       OptionalPrincipal  `json:"owner"`
	EventCount  uint64             `json:"event_count"`
	Records     []ProvenanceRecord `json:"records"`
	ChainDigest string             `json:"chain_digest"`
	ExportedAt  time.Time          `json:"exported_at"`
}

// CertificateKey is the archive key of the certificate for unitID at eventCount.
func CertificateKey(unitID string, eventCount uint64) string {
	return fmt.Sprintf("provenance/%s/%d.json", unitID, eventCount)
}

// ChainDigest folds records into a hex sha256 chain: each link hashes the
// previous hex digest followed by the record's JSON encoding.
func ChainDigest(records []ProvenanceRecord) (string, error) {
	prev := GenesisDigest
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode record %s/%d: %w", rec.UnitID, rec.EventID, err)
		}
		h := sha256.New()
		h.Write([]byte(prev))
		h.Write(payload)
		prev = hex.EncodeToString(h.Sum(nil))
	}
	return prev, nil
}

// VerifyCertificate checks the record sequence and recomputes the chain digest.
func VerifyCertificate(cert Certificate) error {
	if uint64(len(cert.Records)) != cert.EventCount {
		return fmt.Errorf("certificate %s: event count %d does not match %d records", cert.UnitID, cert.EventCount, len(cert.Records))
	}
	for i, rec := range cert.Records {
		if rec.UnitID != cert.UnitID || rec.EventID != uint64(i+1) {
			return fmt.Errorf("certificate %s: record %s/%d out of sequence at position %d", cert.UnitID, rec.UnitID, rec.EventID, i+1)
		}
	}
	digest, err := ChainDigest(cert.Records)
	if err != nil {
		return err
	}
	if digest != cert.ChainDigest {
		return fmt.Errorf("certificate %s: %w", cert.UnitID, ErrDigestMismatch)
	}
	return nil
}

// ExportProvenance writes the unit's certificate to archive. Certificates are
// write-once: exporting again before a new event is accepted fails with
// domain.ErrAlreadyExists.
func (s *Service) ExportProvenance(ctx context.Context, unitID string, archive blob.Store) (Certificate, blob.Info, error) {
	op := s.begin(ctx, OpExportProvenance, unitID, "")
	if unitID == "" || archive == nil {
		return Certificate{}, blob.Info{}, op.end(ledgerError(OpExportProvenance, unitID, "", domain.ErrInvalidArgument))
	}
	// Unit ids are free-form but certificate keys must stay inside the archive.
	if err := blob.ValidateKey(CertificateKey(unitID, 0)); err != nil {
		return Certificate{}, blob.Info{}, op.end(ledgerError(OpExportProvenance, unitID, "", fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)))
	}
	var (
		cert  Certificate
		found bool
	)
	_ = s.store.View(op.ctx, func(v domain.TransactionView) error {
		u, ok := v.FindUnit(unitID)
		if !ok {
			return nil
		}
		found = true
		cert = Certificate{UnitID: unitID, Owner: u.Owner, EventCount: u.EventCount, Records: v.ListRecords(unitID)}
		return nil
	})
	if !found {
		return Certificate{}, blob.Info{}, op.end(ledgerError(OpExportProvenance, unitID, "", domain.ErrNotInitialized))
	}
	digest, err := ChainDigest(cert.Records)
	if err != nil {
		return Certificate{}, blob.Info{}, op.end(err)
	}
	cert.ChainDigest = digest
	cert.ExportedAt = s.clock.Now().UTC()

	payload, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return Certificate{}, blob.Info{}, op.end(fmt.Errorf("encode certificate: %w", err))
	}
	info, err := archive.Put(op.ctx, CertificateKey(unitID, cert.EventCount), bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"unit_id": unitID, "chain_digest": digest},
	})
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrExists):
			err = ledgerError(OpExportProvenance, unitID, "", fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err))
		case errors.Is(err, blob.ErrInvalidKey):
			err = ledgerError(OpExportProvenance, unitID, "", fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err))
		}
		return Certificate{}, blob.Info{}, op.end(err)
	}
	op.entry.EventID = cert.EventCount
	return cert, info, op.end(nil)
}

// ReadCertificate loads the certificate at key and verifies it.
func ReadCertificate(ctx context.Context, archive blob.Store, key string) (Certificate, error) {
	_, rc, err := archive.Get(ctx, key)
	if err != nil {
		return Certificate{}, err
	}
	defer func() { _ = rc.Close() }()
	var cert Certificate
	if err := json.NewDecoder(rc).Decode(&cert); err != nil {
		return Certificate{}, fmt.Errorf("decode certificate %s: %w", key, err)
	}
	return cert, VerifyCertificate(cert)
}
