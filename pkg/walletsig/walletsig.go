// Package walletsig authenticates wallet-signed messages.
//
// Wallets disagree on how they frame Bitcoin message signatures: some emit
// the canonical 65-byte compact form, others drop the recovery indicator or
// wrap it with an extra format byte. Authenticator reconciles these variants
// against the address type before deciding whether a signature matches.
package walletsig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// MockPrefix marks placeholder signatures emitted by clients without a wallet.
const MockPrefix = "mock-signature-"

var (
	ErrMissing      = errors.New("walletsig: missing wallet signature")
	ErrMockRejected = errors.New("walletsig: mock signatures are not accepted when signatures are required")
	ErrFormat       = errors.New("walletsig: unrecognized signature encoding")
	ErrInvalid      = errors.New("walletsig: signature does not match address")
)

// Authenticator verifies wallet signatures over canonical messages.
type Authenticator struct {
	logger *slog.Logger
	nets   []*chaincfg.Params
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger used for strategy diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// WithNetworks restricts address decoding to the given networks.
func WithNetworks(nets ...*chaincfg.Params) Option {
	return func(a *Authenticator) { a.nets = nets }
}

// New returns an Authenticator accepting mainnet, testnet, signet and regtest addresses.
func New(opts ...Option) *Authenticator {
	a := &Authenticator{
		logger: slog.Default().With("component", "walletsig"),
		nets: []*chaincfg.Params{
			&chaincfg.MainNetParams,
			&chaincfg.TestNet3Params,
			&chaincfg.SigNetParams,
			&chaincfg.RegressionNetParams,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify reports whether signature is a valid signature by address over message.
//
// With require false every failure degrades to (false, nil). With require
// true the failure is returned: ErrMissing, ErrMockRejected, ErrFormat or
// ErrInvalid, each checkable with errors.Is.
func (a *Authenticator) Verify(message, address, signature string, require bool) (bool, error) {
	ok, trace, err := a.reconcile(message, address, signature)
	if ok {
		a.logger.Debug("wallet signature verified",
			"address", address,
			"strategy", trace.Matched.Strategy,
			"slice", trace.Matched.Slice,
			"indicator", trace.Matched.Indicator,
		)
		return true, nil
	}
	if err == nil {
		err = fmt.Errorf("%w after %d attempts", ErrInvalid, len(trace.Attempts))
		if last := trace.lastError(); last != nil {
			err = fmt.Errorf("%w after %d attempts: %v", ErrInvalid, len(trace.Attempts), last)
		}
	}
	if require {
		return false, err
	}
	a.logger.Debug("wallet signature not verified, continuing", "address", address, "error", err)
	return false, nil
}

// Strategy names a reconciliation path.
type Strategy string

const (
	StrategyAsIs          Strategy = "as-is"
	StrategyRawSearch     Strategy = "raw-indicator-search"
	StrategyWidenedSearch Strategy = "widened-indicator-search"
)

// Attempt records one verification try.
type Attempt struct {
	Strategy  Strategy
	Slice     string
	Indicator byte
	Err       error
}

// Trace lists the attempts of one reconciliation. Matched is nil on failure.
type Trace struct {
	Attempts []Attempt
	Matched  *Attempt
}

func (t Trace) lastError() error {
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		if t.Attempts[i].Err != nil {
			return t.Attempts[i].Err
		}
	}
	return nil
}

// candidate is a 64-byte r||s core cut from the decoded buffer.
type candidate struct {
	slice string
	rs    []byte
}

func (a *Authenticator) reconcile(message, address, signature string) (bool, Trace, error) {
	var trace Trace
	if strings.TrimSpace(signature) == "" {
		return false, trace, ErrMissing
	}
	if strings.HasPrefix(signature, MockPrefix) {
		return false, trace, ErrMockRejected
	}

	decoded, err := decodeSignature(signature)
	if err != nil {
		return false, trace, err
	}
	framed, search, err := frame(decoded)
	if err != nil {
		return false, trace, err
	}

	addr, err := a.decodeAddress(address)
	if err != nil {
		trace.Attempts = append(trace.Attempts, Attempt{Err: err})
		return false, trace, nil
	}
	hash := MessageHash(message)
	segwit := IsSegwitAddress(address)

	try := func(strategy Strategy, c candidate, indicator byte) bool {
		sig := make([]byte, 0, 65)
		sig = append(sig, indicator)
		sig = append(sig, c.rs...)
		ok, err := verifyCompact(hash, sig, addr, segwit)
		attempt := Attempt{Strategy: strategy, Slice: c.slice, Indicator: indicator, Err: err}
		trace.Attempts = append(trace.Attempts, attempt)
		if ok {
			trace.Matched = &trace.Attempts[len(trace.Attempts)-1]
		}
		return ok
	}
	sweep := func(strategy Strategy, cands []candidate, indicators []byte) bool {
		for _, c := range cands {
			for _, id := range indicators {
				if try(strategy, c, id) {
					return true
				}
			}
		}
		return false
	}

	switch {
	case search:
		// 66 bytes with no recognizable indicator at either end.
		cands := []candidate{
			{"1..65", decoded[1:65]},
			{"2..66", decoded[2:66]},
			{"0..64", decoded[0:64]},
		}
		return sweep(StrategyWidenedSearch, cands, widenedIndicators(segwit)), trace, nil

	case !validIndicator(framed[0]):
		cands := []candidate{{"1..65", framed[1:65]}, {"0..64", framed[0:64]}}
		return sweep(StrategyRawSearch, cands, rawIndicators(segwit)), trace, nil

	case segwit && framed[0]%2 == 1:
		cands := []candidate{{"1..65", framed[1:65]}}
		if len(decoded) == 66 {
			cands = []candidate{
				{"1..65", decoded[1:65]},
				{"2..66", decoded[2:66]},
				{"0..64", decoded[0:64]},
			}
		}
		return sweep(StrategyWidenedSearch, cands, widenedIndicators(segwit)), trace, nil
	}

	return try(StrategyAsIs, candidate{"1..65", framed[1:65]}, framed[0]), trace, nil
}

// IsSegwitAddress reports whether address uses a bech32 or bech32m encoding.
func IsSegwitAddress(address string) bool {
	return strings.HasPrefix(address, "bc1") ||
		strings.HasPrefix(address, "tb1") ||
		strings.HasPrefix(address, "bcrt1")
}

// IsTaprootAddress reports whether address is a witness v1 address.
func IsTaprootAddress(address string) bool {
	return strings.HasPrefix(address, "bc1p") ||
		strings.HasPrefix(address, "tb1p") ||
		strings.HasPrefix(address, "bcrt1p")
}

func validIndicator(b byte) bool { return b >= 27 && b <= 34 }

func rawIndicators(segwit bool) []byte {
	if segwit {
		return []byte{28, 30, 32, 34}
	}
	return []byte{27, 28, 29, 30, 31, 32, 33, 34}
}

func widenedIndicators(segwit bool) []byte {
	if segwit {
		return []byte{28, 30, 32, 34, 27, 29, 31, 33}
	}
	return []byte{27, 28, 29, 30, 31, 32, 33, 34}
}
