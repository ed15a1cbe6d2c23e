package storage

import (
	"context"
	"fmt"
	"strings"
)

// Simulator stands in for R2/S3 when the archive bucket is not configured.
// Objects go nowhere; the returned url is deterministic so logs stay useful.
type Simulator struct {
	bucket   string
	endpoint string
}

func NewSimulator(bucket, endpoint string) *Simulator {
	return &Simulator{
		bucket:   strings.TrimSpace(bucket),
		endpoint: strings.TrimSpace(endpoint),
	}
}

func (r *Simulator) PutObject(_ context.Context, key, _ string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty object body")
	}

	ep := r.endpoint
	if ep == "" {
		ep = "https://r2.example.invalid"
	}
	bucket := r.bucket
	if bucket == "" {
		bucket = "trial-engine"
	}

	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(ep, "/"), bucket, key), nil
}
