package readindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
)

// Reserved metadata keys.
const (
	MetaMaxCount       = "$maxCount"
	MetaMaxAge         = "$maxAge"
	MetaTruncateBefore = "$tb"
	MetaCacheControl   = "$cacheControl"
)

// StreamMetadata is the parsed content of the last event of a metastream. Nil
// fields are unset.
type StreamMetadata struct {
	MaxCount       *int64
	MaxAge         *time.Duration
	TruncateBefore *int64
	CacheControl   *time.Duration
	// Raw is the metadata event data as written.
	Raw []byte
}

// Empty reports whether no reserved key is set.
func (m StreamMetadata) Empty() bool {
	return m.MaxCount == nil && m.MaxAge == nil && m.TruncateBefore == nil && m.CacheControl == nil
}

// ParseMetadata extracts the reserved keys from a metadata event. Unknown keys
// are ignored. Values of the wrong type or out of range make the whole
// document invalid.
func ParseMetadata(data []byte) (StreamMetadata, error) {
	m := StreamMetadata{Raw: data}
	if len(data) == 0 {
		return m, nil
	}
	positive := func(key string) (*int64, error) {
		v, err := jsonparser.GetInt(data, key)
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("metadata key %s: %w", key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("metadata key %s must not be negative, got %d", key, v)
		}
		return &v, nil
	}
	var err error
	if m.MaxCount, err = positive(MetaMaxCount); err != nil {
		return StreamMetadata{}, err
	}
	if m.MaxCount != nil && *m.MaxCount == 0 {
		return StreamMetadata{}, fmt.Errorf("metadata key %s must be positive", MetaMaxCount)
	}
	if m.TruncateBefore, err = positive(MetaTruncateBefore); err != nil {
		return StreamMetadata{}, err
	}
	seconds := func(key string) (*time.Duration, error) {
		v, err := positive(key)
		if v == nil || err != nil {
			return nil, err
		}
		d := time.Duration(*v) * time.Second
		return &d, nil
	}
	if m.MaxAge, err = seconds(MetaMaxAge); err != nil {
		return StreamMetadata{}, err
	}
	if m.MaxAge != nil && *m.MaxAge == 0 {
		return StreamMetadata{}, fmt.Errorf("metadata key %s must be positive", MetaMaxAge)
	}
	if m.CacheControl, err = seconds(MetaCacheControl); err != nil {
		return StreamMetadata{}, err
	}
	return m, nil
}

// MinVisibleEventNumber is the lowest event number a read may return given the
// stream's last event number, before $maxAge is applied.
func (m StreamMetadata) MinVisibleEventNumber(lastEventNumber int64) int64 {
	minimum := int64(0)
	if m.TruncateBefore != nil {
		minimum = max(minimum, *m.TruncateBefore)
	}
	if m.MaxCount != nil && lastEventNumber >= 0 {
		minimum = max(minimum, lastEventNumber-*m.MaxCount+1)
	}
	return minimum
}

// Expired reports whether an event written at ts is past $maxAge at now.
func (m StreamMetadata) Expired(ts, now time.Time) bool {
	return m.MaxAge != nil && ts.Before(now.Add(-*m.MaxAge))
}
