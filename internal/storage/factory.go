package storage

import (
	"strings"

	"github.com/timmy/genflow/internal/config"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	flavor := detectFlavor(cfg.Endpoint)
	if strings.EqualFold(cfg.Type, string(FlavorR2)) {
		flavor = FlavorR2
	}
	return NewS3Storage(cfg, flavor)
}

// detectFlavor guesses the provider behind an S3 endpoint.
func detectFlavor(endpoint string) Flavor {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return FlavorR2
	case endpoint == "" || strings.Contains(endpoint, "amazonaws.com"):
		return FlavorAWS
	default:
		return FlavorCompatible
	}
}
