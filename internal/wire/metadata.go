package wire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tiplot/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimelineRange is the producer-declared time span in microseconds.
// Either bound may be absent.
type TimelineRange struct {
	MinTimestamp *int64 `json:"min_timestamp"`
	MaxTimestamp *int64 `json:"max_timestamp"`
}

// MinSeconds returns the lower bound in seconds.
func (t TimelineRange) MinSeconds() (float64, bool) {
	if t.MinTimestamp == nil {
		return 0, false
	}
	return float64(*t.MinTimestamp) / 1e6, true
}

// MaxSeconds returns the upper bound in seconds.
func (t TimelineRange) MaxSeconds() (float64, bool) {
	if t.MaxTimestamp == nil {
		return 0, false
	}
	return float64(*t.MaxTimestamp) / 1e6, true
}

// Metadata is the first frame of every producer connection.
type Metadata struct {
	Parameters    map[string]any    `json:"parameters"`
	VersionInfo   map[string]string `json:"version_info"`
	TableCount    int               `json:"table_count"`
	TableNames    []string          `json:"table_names"`
	TimelineRange TimelineRange     `json:"timeline_range"`
}

// metadataFrame mirrors Metadata with pointers so absent required fields
// can be told apart from zero values.
type metadataFrame struct {
	Parameters    map[string]any    `json:"parameters"`
	VersionInfo   map[string]string `json:"version_info"`
	TableCount    *int              `json:"table_count"`
	TableNames    []string          `json:"table_names"`
	TimelineRange *TimelineRange    `json:"timeline_range"`
}

// ParseMetadata decodes a metadata JSON body. table_count and
// timeline_range are required; the rest default to empty.
func ParseMetadata(body []byte) (*Metadata, error) {
	var f metadataFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedMetadata, err)
	}
	if f.TableCount == nil {
		return nil, fmt.Errorf("%w: missing table_count", errors.ErrMalformedMetadata)
	}
	if *f.TableCount < 0 {
		return nil, fmt.Errorf("%w: negative table_count %d", errors.ErrMalformedMetadata, *f.TableCount)
	}
	if f.TimelineRange == nil {
		return nil, fmt.Errorf("%w: missing timeline_range", errors.ErrMalformedMetadata)
	}

	md := &Metadata{
		Parameters:    f.Parameters,
		VersionInfo:   f.VersionInfo,
		TableCount:    *f.TableCount,
		TableNames:    f.TableNames,
		TimelineRange: *f.TimelineRange,
	}
	if md.Parameters == nil {
		md.Parameters = map[string]any{}
	}
	if md.VersionInfo == nil {
		md.VersionInfo = map[string]string{}
	}
	return md, nil
}

// Marshal encodes the metadata as JSON.
func (m *Metadata) Marshal() ([]byte, error) {
	out := *m
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}
	if out.VersionInfo == nil {
		out.VersionInfo = map[string]string{}
	}
	if out.TableNames == nil {
		out.TableNames = []string{}
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return body, nil
}

// ParametersStruct returns the producer parameters as a protobuf Struct,
// which keeps the arbitrary JSON values typed for downstream consumers.
func (m *Metadata) ParametersStruct() (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m.Parameters)
	if err != nil {
		return nil, fmt.Errorf("convert parameters: %w", err)
	}
	return s, nil
}
