package models

import "time"

type ConcernType string

const (
	ConcernDamage  ConcernType = "DAMAGE"
	ConcernMissing ConcernType = "MISSING"
	ConcernTamper  ConcernType = "TAMPER"
	ConcernDelay   ConcernType = "DELAY"
	ConcernOther   ConcernType = "OTHER"
)

func (t ConcernType) Valid() bool {
	switch t {
	case ConcernDamage, ConcernMissing, ConcernTamper, ConcernDelay, ConcernOther:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type ConcernStatus string

const (
	ConcernOpen         ConcernStatus = "OPEN"
	ConcernAcknowledged ConcernStatus = "ACKNOWLEDGED"
	ConcernResolved     ConcernStatus = "RESOLVED"
)

type ConcernResolution struct {
	Note       string    `json:"note"`
	ResolvedBy string    `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

type ShipmentConcern struct {
	ConcernID      string
	ShipmentHash   string
	ContainerID    string
	ScanID         string
	Type           ConcernType
	Severity       Severity
	Description    string
	ReportedBy     Actor
	SupplierWallet string
	Status         ConcernStatus

	NotificationSent bool
	NotifiedAt       *time.Time
	Acknowledged     bool
	AcknowledgedAt   *time.Time
	Resolution       *ConcernResolution

	CreatedAt time.Time
	UpdatedAt time.Time
}
