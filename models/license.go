package models

import (
	"time"
)

// DefaultDailyLimit is used for a license with no prior usage record.
const DefaultDailyLimit = 200

// LicenseUsageRecord is one document per (license_id, date) in the
// license_usage collection. The pair is covered by a unique index.
type LicenseUsageRecord struct {
	LicenseID   string    `bson:"license_id" json:"license_id"`
	Date        string    `bson:"date" json:"date"` // local calendar day, YYYY-MM-DD
	UsageCount  int       `bson:"usage_count" json:"usage_count"`
	DailyLimit  int       `bson:"daily_limit" json:"daily_limit"`
	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
}

// Remaining returns how many reservations the record can still grant.
func (r *LicenseUsageRecord) Remaining() int {
	remaining := r.DailyLimit - r.UsageCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LicenseHandle is a granted reservation. It carries the date the
// reservation was made against so compensation stays correct across a
// midnight rollover.
type LicenseHandle struct {
	LicenseID string `json:"license_id"`
	Date      string `json:"date"`
}

// LicenseUsage is a read-only reporting row for usage snapshots.
type LicenseUsage struct {
	LicenseID  string `json:"license_id"`
	UsageCount int    `json:"usage_count"`
	DailyLimit int    `json:"daily_limit"`
}

// TruncateLicense shortens a license id for log output. Full license
// strings are credentials and must not appear in logs.
func TruncateLicense(licenseID string) string {
	if len(licenseID) <= 8 {
		return licenseID
	}
	return licenseID[:8] + "..."
}
