package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		payload string
		kind    value.Kind
		want    interface{}
	}{
		{"42", value.KindInt, int64(42)},
		{" 2.5 ", value.KindFloat, 2.5},
		{`"quoted"`, value.KindString, "quoted"},
		{"hello world", value.KindString, "hello world"},
		{"true", value.KindBool, true},
		{`{"value": 7}`, value.KindInt, int64(7)},
	}
	for _, tc := range cases {
		v, err := decodeValue([]byte(tc.payload))
		if err != nil {
			t.Fatalf("decode %q: %v", tc.payload, err)
		}
		if v.Kind() != tc.kind || v.Interface() != tc.want {
			t.Fatalf("decode %q: got %s %v", tc.payload, v.Kind(), v.Interface())
		}
	}

	for _, payload := range []string{"", "null", `{"value": null}`, `{"value":`, "[1,2]"} {
		if _, err := decodeValue([]byte(payload)); !errors.Is(err, pv.ErrInvalidValue) {
			t.Fatalf("decode %q: expected invalid value, got %v", payload, err)
		}
	}
}

func TestDecodeQuery(t *testing.T) {
	query, err := decodeQuery([]byte(`{"newtype": "float", "n": 3, "flag": true}`))
	if err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if query["newtype"] != "float" || query["n"] != "3" || query["flag"] != "true" {
		t.Fatalf("unexpected query %v", query)
	}

	query, err = decodeQuery(nil)
	if err != nil || len(query) != 0 {
		t.Fatalf("expected empty query, got %v, %v", query, err)
	}
	if _, err := decodeQuery([]byte(`"help"`)); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestEncodeUpdate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	v := value.Scalar(value.KindInt).MustWrap(5).WithTimestamp(ts)
	raw, err := encodeUpdate("foo", pv.Update{Value: v, Seq: 3, Overrun: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got statePayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "foo" || got.Type != value.KindInt || got.Value != float64(5) || got.Seq != 3 || !got.Overrun {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Timestamp == nil || !got.Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp %v", got.Timestamp)
	}
	if got.Alarm != nil {
		t.Fatalf("expected no alarm, got %+v", got.Alarm)
	}
}

func TestRoute(t *testing.T) {
	b := &Bridge{prefix: "plant/pv"}
	if name, ok := b.route("plant/pv/foo/set", "set"); !ok || name != "foo" {
		t.Fatalf("unexpected route %q %v", name, ok)
	}
	if _, ok := b.route("plant/pv/foo/rpc", "set"); ok {
		t.Fatal("rpc topic must not route as set")
	}
	if _, ok := b.route("other/foo/set", "set"); ok {
		t.Fatal("foreign prefix must not route")
	}
	if _, ok := b.route("plant/pv//set", "set"); ok {
		t.Fatal("empty name must not route")
	}
}
