package query

import (
	"fmt"
	"strings"
)

// Key identifies a cached, fetchable unit of server state. It is an ordered
// sequence of scalar or small structured segments, for example
// Key{"stream", "orders"}. Two keys are equal iff their segments are
// deep-equal; a shorter key can be used as a prefix to target every key that
// starts with the same segments.
type Key []any

// K is shorthand for building a Key from segments.
func K(segments ...any) Key {
	return Key(segments)
}

var keySerializer = NewDefaultKeySerializer()

// Segments returns the canonical form of each segment using the default serializer.
func (k Key) Segments() []string {
	return serializeSegments(keySerializer, k)
}

// String renders the key in canonical form.
func (k Key) String() string {
	return "[" + joinSegments(k.Segments()) + "]"
}

// Equal reports whether both keys have deep-equal segments under the default
// serializer. A Cache built with a custom Config.KeySerializer matches keys
// with that serializer instead; use Cache.Equal and Cache.Match there.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	return hasSegmentPrefix(k.Segments(), other.Segments())
}

// HasPrefix reports whether the leading segments of k match prefix under the
// default serializer. See Equal for caches with a custom serializer.
func (k Key) HasPrefix(prefix Key) bool {
	return hasSegmentPrefix(k.Segments(), prefix.Segments())
}

// Scope returns the first segment as a plain string. It is used as a low
// cardinality label for logs and metrics.
func (k Key) Scope() string {
	if len(k) == 0 {
		return ""
	}
	if s, ok := k[0].(string); ok {
		return s
	}
	return strings.Trim(fmt.Sprintf("%v", k[0]), `"`)
}

// Clone returns a copy of the key so callers can keep it after mutating the original.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}
