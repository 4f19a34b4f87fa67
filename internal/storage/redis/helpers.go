package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "klimit:"
	keyLedgerPrefix  = keyPrefix + "ledger:"
	keyLedgerIndex   = keyPrefix + "ledgers"
	keySamples       = keyPrefix + "samples"
	keySampleIndex   = keyPrefix + "samples:index"
	keyModel         = keyPrefix + "model"
	keyFeedbackStats = keyPrefix + "feedback_stats"
	keyThresholds    = keyPrefix + "thresholds"

	// retentionSeconds bounds how long a ledger lives (90 days).
	retentionSeconds = 7776000
)

func ledgerKey(date string) string {
	return keyLedgerPrefix + date
}

// dateScore maps a YYYY-MM-DD date to a sortable integer (YYYYMMDD).
func dateScore(date string) (int64, error) {
	if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return strconv.ParseInt(strings.ReplaceAll(date, "-", ""), 10, 64)
}

// decodeJSON converts a Redis string reply to a value, mapping a nil reply to
// storage.ErrNotFound.
func decodeJSON[T any](data string, err error) (*T, error) {
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &v, nil
}

// decodeList decodes an MGET/HMGET reply, skipping members whose value has
// already expired.
func decodeList[T any](values []interface{}) ([]T, error) {
	out := make([]T, 0, len(values))
	for _, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
