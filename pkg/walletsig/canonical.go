package walletsig

import (
	"bytes"
	"encoding/json"
)

// Action tags bound into signed messages.
const (
	ActionClaimStream  = "claimStream"
	ActionCreateStream = "createStream"
)

// The structs below fix key order: wallets sign the exact bytes the client
// serialized, so fields must stay in this order.

type claimIntent struct {
	Action        string `json:"action"`
	WalletAddress string `json:"walletAddress"`
	StreamID      string `json:"streamId"`
	AmountSats    int64  `json:"amountSats"`
	Timestamp     int64  `json:"timestamp"`
}

// ClaimMessage returns the message a wallet signs to authorize a claim.
func ClaimMessage(walletAddress, streamID string, amountSats, timestamp int64) string {
	return mustMarshal(claimIntent{
		Action:        ActionClaimStream,
		WalletAddress: walletAddress,
		StreamID:      streamID,
		AmountSats:    amountSats,
		Timestamp:     timestamp,
	})
}

// CreatePayload is the stream creation request as the client signed it.
// TotalAmountBTC keeps the client's literal so the bytes round-trip.
type CreatePayload struct {
	TotalAmountBTC   json.Number `json:"totalAmountBtc"`
	RateSatsPerSec   int64       `json:"rateSatsPerSec"`
	StartUnix        int64       `json:"startUnix"`
	CliffUnix        int64       `json:"cliffUnix"`
	Beneficiary      string      `json:"beneficiary"`
	RevocationPubkey string      `json:"revocationPubkey"`
	Policy           string      `json:"policy"`
	WalletAddress    string      `json:"walletAddress,omitempty"`
}

type createIntent struct {
	Action        string        `json:"action"`
	WalletAddress string        `json:"walletAddress"`
	Payload       CreatePayload `json:"payload"`
}

// CreateStreamMessage returns the message a wallet signs to create a stream.
func CreateStreamMessage(walletAddress string, payload CreatePayload) string {
	return mustMarshal(createIntent{
		Action:        ActionCreateStream,
		WalletAddress: walletAddress,
		Payload:       payload,
	})
}

// mustMarshal matches JSON.stringify: no HTML escaping, no trailing newline.
func mustMarshal(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
