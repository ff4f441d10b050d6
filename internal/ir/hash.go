package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent      = "regua/event/v1"
	DomainEscalation = "regua/escalation/v1"
	DomainTemplate   = "regua/template/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the identity of the event a stage produces for one
// context. Recompiling the same stage against the same contract and invoice
// always yields the same id, so recompilation never spawns duplicates.
func EventID(stageID, contractID, invoiceID string) string {
	canonical, err := MarshalCanonical(map[string]any{
		"stage_id":    stageID,
		"contract_id": contractID,
		"invoice_id":  invoiceID,
	})
	if err != nil {
		// Only strings are hashed here; canonical encoding cannot fail.
		panic(fmt.Sprintf("EventID: %v", err))
	}
	return hashWithDomain(DomainEvent, canonical)
}

// EscalationEventID computes the identity of the ad-hoc event inserted when
// parentID fails. One failure escalates at most once.
func EscalationEventID(parentID string) string {
	canonical, err := MarshalCanonical(map[string]any{
		"parent_id": parentID,
		"kind":      "escalation",
	})
	if err != nil {
		panic(fmt.Sprintf("EscalationEventID: %v", err))
	}
	return hashWithDomain(DomainEscalation, canonical)
}

// TemplateHash fingerprints a template so cycles can log whether the rule
// changed since the last persisted revision.
func TemplateHash(t RuleTemplate) (string, error) {
	v, err := ToCanonicalValue(t)
	if err != nil {
		return "", fmt.Errorf("TemplateHash: %w", err)
	}
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("TemplateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTemplate, canonical), nil
}

// ShortID returns the first 12 hex characters of an id for display.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
