// Package vault provisions custody vaults for streams and asks them to
// release or sign spends.
//
// Grail holds deposits and simulates releases. Scrolls derives the vault
// address for a stream and co-signs spending transactions.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-streams/pkg/store"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
)

// PlaceholderAddress is returned when Scrolls cannot derive an address.
const PlaceholderAddress = "mock_scrolls_address"

// Network is a Scrolls network name.
type Network string

const (
	NetworkMain     Network = "main"
	NetworkTestnet4 Network = "testnet4"
)

// Deposit is a provisioned vault.
type Deposit struct {
	VaultID     string `json:"vault_id"`
	Policy      string `json:"policy"`
	AmountSats  int64  `json:"amount_sats"`
	Beneficiary string `json:"beneficiary"`
}

// Release is the outcome of a simulated release.
type Release struct {
	Released bool           `json:"released"`
	Via      resiliency.Via `json:"via"`
}

// Config is the Scrolls fee and address configuration.
type Config struct {
	FeeAddress struct {
		Main     string `json:"main"`
		Testnet4 string `json:"testnet4"`
	} `json:"fee_address"`
	FeePerInput    int64 `json:"fee_per_input"`
	FeeBasisPoints int64 `json:"fee_basis_points"`
	FixedCost      int64 `json:"fixed_cost"`
}

// SignInput selects an input Scrolls should sign and its vault nonce.
type SignInput struct {
	Index int    `json:"index"`
	Nonce uint64 `json:"nonce"`
}

// SignRequest asks Scrolls to co-sign a spend. Transactions are hex.
type SignRequest struct {
	SignInputs []SignInput `json:"sign_inputs"`
	PrevTxs    []string    `json:"prev_txs"`
	TxToSign   string      `json:"tx_to_sign"`
}

// SignResult reports whether Scrolls signed.
type SignResult struct {
	Signed bool   `json:"signed"`
	TxHex  string `json:"tx_hex,omitempty"`
}

// Options toggles fallback per integration.
type Options struct {
	AllowGrailFallback   bool
	AllowScrollsFallback bool
	Logger               *slog.Logger
}

// Service fronts Grail and Scrolls.
type Service struct {
	store   store.Store
	grail   *resiliency.EnhancedClient
	scrolls *resiliency.EnhancedClient
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(st store.Store, grail, scrolls *resiliency.EnhancedClient, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "vault")
	}
	return &Service{store: st, grail: grail, scrolls: scrolls, opts: opts, logger: logger, now: time.Now}
}

func (s *Service) grailPolicy() resiliency.Policy {
	return resiliency.Policy{Service: "grail", AllowFallback: s.opts.AllowGrailFallback, Logger: s.logger}
}

func (s *Service) scrollsPolicy() resiliency.Policy {
	return resiliency.Policy{Service: "scrolls", AllowFallback: s.opts.AllowScrollsFallback, Logger: s.logger}
}

// Deposit provisions a vault and records it locally.
func (s *Service) Deposit(ctx context.Context, amountSats int64, beneficiary, policy string) (Deposit, resiliency.Via, error) {
	var remote func(context.Context) (Deposit, error)
	if s.grail.Configured() {
		remote = func(ctx context.Context) (Deposit, error) {
			var d Deposit
			err := s.grail.PostJSON(ctx, "vaults/deposit", map[string]any{
				"amount_sats": amountSats,
				"beneficiary": beneficiary,
				"policy":      policy,
			}, &d)
			if err == nil && d.VaultID == "" {
				err = fmt.Errorf("grail: deposit response without vault_id")
			}
			return d, err
		}
	}

	d, via, err := resiliency.Call(ctx, s.grailPolicy(), remote, func(context.Context) (Deposit, error) {
		return Deposit{
			VaultID:     "vault_" + uuid.NewString(),
			Policy:      policy,
			AmountSats:  amountSats,
			Beneficiary: beneficiary,
		}, nil
	})
	if err != nil {
		return Deposit{}, "", err
	}

	if err := s.store.UpsertVault(ctx, store.VaultRecord{
		ID:          d.VaultID,
		AmountSats:  d.AmountSats,
		Beneficiary: d.Beneficiary,
		Policy:      d.Policy,
		CreatedAt:   s.now().UTC(),
	}); err != nil {
		return Deposit{}, "", err
	}
	return d, via, nil
}

// SimulateRelease asks the vault to release amountSats.
func (s *Service) SimulateRelease(ctx context.Context, vaultID string, amountSats int64) (Release, error) {
	var remote func(context.Context) (Release, error)
	if s.grail.Configured() {
		remote = func(ctx context.Context) (Release, error) {
			path := fmt.Sprintf("vaults/%s/simulate-release", url.PathEscape(vaultID))
			if err := s.grail.PostJSON(ctx, path, map[string]int64{"amount_sats": amountSats}, nil); err != nil {
				return Release{}, err
			}
			return Release{Released: true}, nil
		}
	}

	r, via, err := resiliency.Call(ctx, s.grailPolicy(), remote, func(context.Context) (Release, error) {
		return Release{Released: true}, nil
	})
	if err != nil {
		return Release{}, err
	}
	r.Via = via
	return r, nil
}

// Address derives the vault address for nonce.
func (s *Service) Address(ctx context.Context, network Network, nonce uint64) (string, resiliency.Via, error) {
	var remote func(context.Context) (string, error)
	if s.scrolls.Configured() {
		remote = func(ctx context.Context) (string, error) {
			var addr string
			path := fmt.Sprintf("%s/address/%s", network, strconv.FormatUint(nonce, 10))
			if err := s.scrolls.GetJSON(ctx, path, &addr); err != nil {
				return "", err
			}
			if addr == "" {
				return "", fmt.Errorf("scrolls: empty address for nonce %d", nonce)
			}
			return addr, nil
		}
	}
	return resiliency.Call(ctx, s.scrollsPolicy(), remote, func(context.Context) (string, error) {
		return PlaceholderAddress, nil
	})
}

// Sign asks Scrolls to co-sign a spend. There is no local fallback: a
// failure yields Signed=false and the upstream error.
func (s *Service) Sign(ctx context.Context, network Network, req SignRequest) (SignResult, error) {
	var tx string
	if err := s.scrolls.PostJSON(ctx, string(network)+"/sign", req, &tx); err != nil {
		return SignResult{}, err
	}
	return SignResult{Signed: tx != "", TxHex: tx}, nil
}

// FetchConfig loads the current Scrolls configuration.
func (s *Service) FetchConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := s.scrolls.GetJSON(ctx, "config", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Fee is the Scrolls fee for spending inputs holding totalInputSats.
func Fee(cfg Config, inputs int, totalInputSats int64) int64 {
	variable := totalInputSats / 10000 * cfg.FeeBasisPoints
	variable += totalInputSats % 10000 * cfg.FeeBasisPoints / 10000
	return cfg.FixedCost + cfg.FeePerInput*int64(inputs) + variable
}
