// Package codec provides pluggable serialization for job payloads,
// results, and webhook bodies.
package codec

// Codec defines the serialization contract for payloads and results.
type Codec interface {
	// Encode serializes a value to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into the given value.
	Decode(data []byte, v any) error

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// Name constants for codec selection.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Defaults to JSON.
func Get(name string) Codec {
	switch name {
	case NameMsgpack:
		return &Msgpack{}
	case NameJSON, "":
		return &JSON{}
	default:
		return &JSON{}
	}
}

// Size returns an approximate byte size for a value: its encoded length,
// or zero when the value cannot be encoded. Used by the result cache as
// a cheap size heuristic.
func Size(c Codec, v any) int {
	data, err := c.Encode(v)
	if err != nil {
		return 0
	}
	return len(data)
}
