// Package codec provides the reversible encoding used for every value stored
// in a task meta hash. Each hash field holds a single JSON document, so
// scalars (null, bool, number, string) and small structured values (records,
// lists) round-trip without a schema.
package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Marshal encodes a value into its stored string form.
func Marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "codec: encode")
	}
	return string(data), nil
}

// Unmarshal decodes a stored string back into v.
func Unmarshal(data string, v interface{}) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return errors.Wrapf(err, "codec: decode %q", data)
	}
	return nil
}

// MarshalFields encodes every value of a field map, producing the argument
// for a hash write.
func MarshalFields(fields map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for key, val := range fields {
		enc, err := Marshal(val)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", key)
		}
		out[key] = enc
	}
	return out, nil
}
