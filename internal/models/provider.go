package models

import "time"

// ProviderHealth is the last observed state of an embedding provider.
// The embedding chain tries healthy providers before unhealthy ones.
type ProviderHealth struct {
	ProviderName  string    `json:"providerName"`
	Healthy       bool      `json:"healthy"`
	LastLatencyMs int64     `json:"lastLatencyMs"`
	LastError     string    `json:"lastError,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// ProviderUsage holds cumulative counters for one provider.
type ProviderUsage struct {
	ProviderName string `json:"providerName"`
	Calls        int64  `json:"calls"`
	Failures     int64  `json:"failures"`
	Texts        int64  `json:"texts"`
	Tokens       int64  `json:"tokens"`
}

// ProviderStatus combines health and usage for reporting.
type ProviderStatus struct {
	ProviderHealth
	Model      string        `json:"model"`
	Dimensions int           `json:"dimensions"`
	Priority   int           `json:"priority"`
	Usage      ProviderUsage `json:"usage"`
}
