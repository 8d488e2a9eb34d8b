package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainFingerprint = "cadence/schedule-fingerprint/v1"
	DomainSnapshot    = "cadence/condition-snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the idempotency key of a ScheduleEntry from
// (cadence, step, lead). The store enforces at most one non-canceled entry
// per fingerprint.
func Fingerprint(cadenceID, stepID, leadID string) string {
	obj := Object{
		"cadence_id": String(cadenceID),
		"lead_id":    String(leadID),
		"step_id":    String(stepID),
	}
	// Strings only; canonical marshaling cannot fail here.
	canonical, _ := MarshalCanonical(obj)
	return hashWithDomain(DomainFingerprint, canonical)
}

// SnapshotHash hashes the condition-evaluation context a branch decision
// was made against, so recorded decisions can be audited later.
func SnapshotHash(snapshot Object) (string, error) {
	canonical, err := MarshalCanonical(snapshot)
	if err != nil {
		return "", fmt.Errorf("snapshot hash: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
