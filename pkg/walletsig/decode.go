package walletsig

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// workable reports whether n is a length the framing step can handle.
func workable(n int) bool { return n >= 64 && n <= 66 }

// decodeSignature accepts base64 (padded or not) or hex with an optional 0x
// prefix. When both decode, the one with a workable length wins, base64 first.
func decodeSignature(sig string) ([]byte, error) {
	cleaned := strings.TrimSpace(sig)

	var decoded [][]byte
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(cleaned); err == nil && len(b) > 0 {
			decoded = append(decoded, b)
			break
		}
	}
	hexStr := strings.TrimPrefix(cleaned, "0x")
	if len(hexStr)%2 == 0 {
		if b, err := hex.DecodeString(hexStr); err == nil && len(b) > 0 {
			decoded = append(decoded, b)
		}
	}

	for _, b := range decoded {
		if workable(len(b)) {
			return b, nil
		}
	}
	if len(decoded) > 0 {
		return nil, fmt.Errorf("%w: decoded to %d bytes, expected 64-66", ErrFormat, len(decoded[0]))
	}
	preview := cleaned
	if len(preview) > 32 {
		preview = preview[:32] + "..."
	}
	return nil, fmt.Errorf("%w: %q is neither base64 nor hex", ErrFormat, preview)
}

// frame normalizes a decoded signature to 65 bytes. search is true when a
// 66-byte buffer carries no recognizable indicator at either end and the
// caller must sweep slices of the original buffer instead.
func frame(b []byte) (framed []byte, search bool, err error) {
	switch len(b) {
	case 65:
		return b, false, nil
	case 64:
		out := make([]byte, 0, 65)
		out = append(out, 27)
		return append(out, b...), false, nil
	case 66:
		switch {
		case validIndicator(b[0]):
			return b[:65], false, nil
		case validIndicator(b[1]):
			return b[1:], false, nil
		}
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("%w: signature is %d bytes, expected 64-66", ErrFormat, len(b))
}
