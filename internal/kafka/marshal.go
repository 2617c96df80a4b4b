package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func UnmarshalEnvelope(b []byte, out any) error {
	return json.Unmarshal(b, out)
}

// UnwrapPayload decodes an envelope payload into T.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

const HeaderAttempt = "x-attempt"

// Attempt reads the delivery attempt header; a message without one is attempt 1.
func Attempt(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == HeaderAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// WithAttempt returns headers with the attempt header set to n.
func WithAttempt(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != HeaderAttempt {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: HeaderAttempt, Value: []byte(strconv.Itoa(n))})
}
