package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeJSON wraps a JSON scalar in the kind matching its JSON type:
// integral numbers become int, other numbers float. Empty input and null
// yield the invalid Value.
func DecodeJSON(raw []byte) (Value, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Value{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return Value{}, err
	}
	switch v := decoded.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Scalar(KindBool).Wrap(v)
	case string:
		return Scalar(KindString).Wrap(v)
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return Scalar(KindInt).Wrap(v)
		}
		return Scalar(KindFloat).Wrap(v)
	default:
		return Value{}, fmt.Errorf("unsupported value %T", decoded)
	}
}
