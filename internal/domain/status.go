package domain

import "strings"

// ProviderStatus is the normalized status reported by a provider status call.
// Values: pending, running, succeeded, failed.
type ProviderStatus string

const (
	ProviderStatusPending   ProviderStatus = "pending"
	ProviderStatusRunning   ProviderStatus = "running"
	ProviderStatusSucceeded ProviderStatus = "succeeded"
	ProviderStatusFailed    ProviderStatus = "failed"
)

// DefaultStatusAliases maps common provider vocabulary onto ProviderStatus.
var DefaultStatusAliases = map[string]ProviderStatus{
	"pending":     ProviderStatusPending,
	"queued":      ProviderStatusPending,
	"waiting":     ProviderStatusPending,
	"submitted":   ProviderStatusPending,
	"running":     ProviderStatusRunning,
	"processing":  ProviderStatusRunning,
	"in_progress": ProviderStatusRunning,
	"generating":  ProviderStatusRunning,
	"succeeded":   ProviderStatusSucceeded,
	"success":     ProviderStatusSucceeded,
	"completed":   ProviderStatusSucceeded,
	"complete":    ProviderStatusSucceeded,
	"done":        ProviderStatusSucceeded,
	"finished":    ProviderStatusSucceeded,
	"failed":      ProviderStatusFailed,
	"failure":     ProviderStatusFailed,
	"error":       ProviderStatusFailed,
}

// ParseProviderStatus maps raw through aliases, then the defaults.
// Unrecognized values are treated as pending.
func ParseProviderStatus(raw string, aliases map[string]ProviderStatus) ProviderStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := aliases[key]; ok {
		return s
	}
	if s, ok := DefaultStatusAliases[key]; ok {
		return s
	}
	return ProviderStatusPending
}

// StatusReport is one normalized response of a provider status call.
type StatusReport struct {
	Status  ProviderStatus
	Result  []byte
	Message string
}
