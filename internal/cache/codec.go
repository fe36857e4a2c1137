package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// estimateKey renders an EstimateKey as a cache key. Floats use the
// shortest exact representation so distinct inputs never collide.
func estimateKey(k domain.EstimateKey) string {
	b := make([]byte, 0, 96)
	b = append(b, "est:"...)
	b = append(b, k.PolicyVersion...)
	b = append(b, ':')
	b = append(b, k.ModelFingerprint...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(k.Trip.Days), 10)
	b = append(b, ':')
	b = strconv.AppendFloat(b, k.Trip.Miles, 'g', -1, 64)
	b = append(b, ':')
	b = strconv.AppendFloat(b, k.Trip.Receipts, 'g', -1, 64)
	return string(b)
}

func encodeEstimate(est *domain.Estimate) ([]byte, error) {
	return json.Marshal(est)
}

func decodeEstimate(data []byte) (*domain.Estimate, error) {
	if data == nil {
		return nil, nil
	}
	var est domain.Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		return nil, err
	}
	return &est, nil
}

// localTTL reads the L1 TTL, defaulting to five minutes.
func localTTL(cfg domain.CacheConfig) time.Duration {
	if cfg.LocalTTL <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(cfg.LocalTTL) * time.Second
}
