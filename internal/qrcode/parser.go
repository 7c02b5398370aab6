// Package qrcode turns raw scanner input into a typed container or shipment reference.
package qrcode

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidFormat = errors.New("invalid qr format")

type RefType string

const (
	RefContainer RefType = "container"
	RefShipment  RefType = "shipment"
)

// Trust says which rule produced the reference.
type Trust string

const (
	TrustStructured Trust = "structured"
	TrustExact      Trust = "exact"
	TrustEmbedded   Trust = "embedded"
)

type Reference struct {
	Type     RefType `json:"type"`
	ID       string  `json:"id"`
	RawTrust Trust   `json:"rawTrust"`
}

var (
	containerExact = regexp.MustCompile(`(?i)^CNT-[A-Z0-9]+(?:-[A-Z0-9]+)?$`)
	shipmentExact  = regexp.MustCompile(`(?i)^SHP-[A-Z0-9]+(?:-[A-Z0-9]+)*$`)
	hexHashExact   = regexp.MustCompile(`^(?:0x)?[0-9a-fA-F]{40,66}$`)

	containerEmbedded = regexp.MustCompile(`(?i)\bCNT-[A-Z0-9]+(?:-[A-Z0-9]+)?\b`)
	shipmentEmbedded  = regexp.MustCompile(`(?i)\bSHP-[A-Z0-9]+(?:-[A-Z0-9]+)*\b`)
	hexHashEmbedded   = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{40,66}\b`)
)

type structuredPayload struct {
	ContainerID     string `json:"containerId"`
	ContainerIDAlt  string `json:"container_id"`
	CID             string `json:"cid"`
	ShipmentHash    string `json:"shipmentHash"`
	ShipmentID      string `json:"shipmentId"`
	ShipmentHashAlt string `json:"shipment_hash"`
}

// Parse never touches storage.
func Parse(raw string) (Reference, error) {
	s := unquote(strings.TrimSpace(raw))
	if s == "" {
		return Reference{}, ErrInvalidFormat
	}

	if strings.HasPrefix(s, "{") {
		if ref, ok := parseStructured(s); ok {
			return ref, nil
		}
		// broken or unknown JSON still goes through the embedded search
		return matchEmbedded(s)
	}

	if ref, ok := matchExact(s); ok {
		return ref, nil
	}
	return matchEmbedded(s)
}

// matchEmbedded finds an identifier anywhere in noisy scanner output.
func matchEmbedded(s string) (Reference, error) {
	if m := containerEmbedded.FindString(s); m != "" {
		return Reference{Type: RefContainer, ID: strings.ToUpper(m), RawTrust: TrustEmbedded}, nil
	}
	if m := shipmentEmbedded.FindString(s); m != "" {
		return Reference{Type: RefShipment, ID: strings.ToUpper(m), RawTrust: TrustEmbedded}, nil
	}
	if m := hexHashEmbedded.FindString(s); m != "" {
		return Reference{Type: RefShipment, ID: normalizeHex(m), RawTrust: TrustEmbedded}, nil
	}
	return Reference{}, ErrInvalidFormat
}

// unquote strips exactly one layer of accidental quoting.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first == '"' && last == '"' {
		var decoded string
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return strings.TrimSpace(decoded)
		}
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	if first == '\'' && last == '\'' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func parseStructured(s string) (Reference, bool) {
	var p structuredPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Reference{}, false
	}

	if id := firstNonEmpty(p.ContainerID, p.ContainerIDAlt, p.CID); id != "" {
		return Reference{Type: RefContainer, ID: strings.ToUpper(id), RawTrust: TrustStructured}, true
	}
	if id := firstNonEmpty(p.ShipmentHash, p.ShipmentID, p.ShipmentHashAlt); id != "" {
		return Reference{Type: RefShipment, ID: NormalizeShipmentID(id), RawTrust: TrustStructured}, true
	}
	return Reference{}, false
}

func matchExact(s string) (Reference, bool) {
	switch {
	case containerExact.MatchString(s):
		return Reference{Type: RefContainer, ID: strings.ToUpper(s), RawTrust: TrustExact}, true
	case shipmentExact.MatchString(s):
		return Reference{Type: RefShipment, ID: strings.ToUpper(s), RawTrust: TrustExact}, true
	case hexHashExact.MatchString(s):
		return Reference{Type: RefShipment, ID: normalizeHex(s), RawTrust: TrustExact}, true
	}
	return Reference{}, false
}

// NormalizeShipmentID brings a shipment identifier to its stored form:
// SHP- identifiers upper-cased, hex hashes lower-cased with a 0x prefix.
func NormalizeShipmentID(id string) string {
	id = strings.TrimSpace(id)
	switch {
	case hexHashExact.MatchString(id):
		return normalizeHex(id)
	case shipmentExact.MatchString(id):
		return strings.ToUpper(id)
	}
	return id
}

// NormalizeContainerID upper-cases a container identifier.
func NormalizeContainerID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// IsContainerID reports whether id is a well-formed container identifier.
func IsContainerID(id string) bool {
	return containerExact.MatchString(strings.TrimSpace(id))
}

func normalizeHex(s string) string {
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
