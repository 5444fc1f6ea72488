package canonicalize

import (
	"encoding/json"
	"fmt"
	"testing"
)

// Claim digests must not depend on how the caller ordered the object.
func FuzzClaimDigestKeyOrder(f *testing.F) {
	f.Add("stream_1", int64(20000), int64(1200))
	f.Add("", int64(0), int64(0))
	f.Add("stream_é <&>", int64(-1), int64(1<<53))
	f.Add("\"quoted\"\n", int64(9007199254740991), int64(1700000000))

	f.Fuzz(func(t *testing.T, streamID string, amount, ts int64) {
		id, err := json.Marshal(streamID)
		if err != nil {
			t.Skip()
		}
		forward := fmt.Sprintf(`{"streamId":%s,"claimedAmountSats":%d,"timestamp":%d}`, id, amount, ts)
		reverse := fmt.Sprintf(`{"timestamp":%d,"claimedAmountSats":%d,"streamId":%s}`, ts, amount, id)

		h1, err := CanonicalHash(json.RawMessage(forward))
		if err != nil {
			t.Skip()
		}
		h2, err := CanonicalHash(json.RawMessage(reverse))
		if err != nil {
			t.Fatalf("reordered object failed to canonicalize: %v", err)
		}
		if h1 != h2 {
			t.Errorf("digest depends on key order: %s vs %s", h1, h2)
		}
	})
}

// Canonical output is a fixed point.
func FuzzJCSIdempotent(f *testing.F) {
	f.Add([]byte(`{"proof":{"b":1,"a":[3,1,2]},"digest":"ab"}`))
	f.Add([]byte(`{"n":1e21,"m":0.000001,"z":-0}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}
		once, err := JCS(v)
		if err != nil {
			return
		}
		twice, err := JCS(json.RawMessage(once))
		if err != nil {
			t.Fatalf("canonical output rejected: %s", once)
		}
		if string(once) != string(twice) {
			t.Errorf("not a fixed point:\n  %s\n  %s", once, twice)
		}
	})
}
