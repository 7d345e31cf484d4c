// Package events defines the messages the receiver hands to the ingest
// consumer and the queue that carries them.
package events

import (
	"github.com/apache/arrow-go/v18/arrow"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tiplot/internal/wire"
)

// Kind discriminates Event payloads.
type Kind int

const (
	// KindMetadata carries the timeline range of a new producer connection.
	KindMetadata Kind = iota
	// KindNewBatch carries one decoded record batch for a topic.
	KindNewBatch
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindNewBatch:
		return "new_batch"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the consumer.
//
// For KindMetadata, Timeline and Metadata are set, and Parameters holds the
// producer parameters when they converted cleanly.
// For KindNewBatch, Topic and Record are set; the consumer owns Record and
// must release it.
type Event struct {
	Kind     Kind
	ConnID   string
	Timeline wire.TimelineRange
	Metadata *wire.Metadata
	// Parameters is nil when the producer sent none or they did not convert.
	Parameters *structpb.Struct
	Topic      string
	Record     arrow.Record
}

// NewMetadata builds a KindMetadata event.
func NewMetadata(connID string, md *wire.Metadata) Event {
	return Event{Kind: KindMetadata, ConnID: connID, Timeline: md.TimelineRange, Metadata: md}
}

// NewBatch builds a KindNewBatch event. The event takes ownership of rec.
func NewBatch(connID, topic string, rec arrow.Record) Event {
	return Event{Kind: KindNewBatch, ConnID: connID, Topic: topic, Record: rec}
}

// Release drops the record reference held by a batch event, if any.
func (e Event) Release() {
	if e.Record != nil {
		e.Record.Release()
	}
}
