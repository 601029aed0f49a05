package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/mbta2mqtt/internal/runtime/ids"
)

// FromWatermill converts Watermill metadata into bridge metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts bridge metadata into a Watermill map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// NewMessage wraps payload in a Watermill message with a fresh ULID and the
// supplied metadata.
func NewMessage(payload []byte, md Metadata) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = ToWatermill(md)
	return msg
}
