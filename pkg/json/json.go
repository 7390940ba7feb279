// Package json wraps json-iterator for payload encoding across the bridge.
package json

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// DecodePayload parses raw as JSON. When raw is not valid JSON the bytes are
// returned as-is and ok is false.
func DecodePayload(raw []byte) (payload interface{}, ok bool) {
	if len(raw) == 0 {
		return raw, false
	}
	var v interface{}
	if err := Unmarshal(raw, &v); err != nil {
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return cp, false
	}
	return v, true
}

// EncodePayload turns an outbound payload into bytes. Byte slices and strings
// are sent verbatim, everything else is JSON encoded.
func EncodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return Marshal(p)
	}
}

// Extract returns the value found at a dotted path ("data.items.0.value")
// inside a JSON document. Numeric segments index arrays. An empty path yields
// the whole decoded document.
func Extract(raw []byte, path string) (interface{}, bool) {
	if path == "" {
		return DecodePayload(raw)
	}
	segments := strings.Split(path, ".")
	keys := make([]interface{}, 0, len(segments))
	for _, s := range segments {
		if idx, err := strconv.Atoi(s); err == nil && idx >= 0 {
			keys = append(keys, idx)
			continue
		}
		keys = append(keys, s)
	}
	node := JSON.Get(raw, keys...)
	if node.ValueType() == jsoniter.InvalidValue {
		return nil, false
	}
	return node.GetInterface(), true
}
