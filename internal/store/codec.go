package store

import (
	"fmt"

	"github.com/golang/snappy"
)

const (
	encodingJSON   = "json"
	encodingSnappy = "snappy"
)

// encodePayload compresses payloads larger than threshold. threshold <= 0 disables compression.
func encodePayload(payload []byte, threshold int) ([]byte, string) {
	if threshold > 0 && len(payload) > threshold {
		return snappy.Encode(nil, payload), encodingSnappy
	}
	return payload, encodingJSON
}

func decodePayload(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingJSON, "":
		return data, nil
	case encodingSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
