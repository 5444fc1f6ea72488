package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-streams/pkg/store"
	"github.com/Mindburn-Labs/helm-streams/pkg/vesting"
)

// StreamView is a stream with its claim history and its position now.
type StreamView struct {
	ID                     string              `json:"id"`
	VaultID                string              `json:"vaultId"`
	CharmID                string              `json:"charmId"`
	Beneficiary            string              `json:"beneficiary"`
	TotalAmountSats        int64               `json:"totalAmountSats"`
	TotalAmountBTC         string              `json:"totalAmountBtc"`
	RateSatsPerSec         int64               `json:"rateSatsPerSec"`
	StartUnix              int64               `json:"startUnix"`
	CliffUnix              int64               `json:"cliffUnix"`
	StreamedCommitmentSats int64               `json:"streamedCommitmentSats"`
	Status                 store.Status        `json:"status"`
	VestedSats             int64               `json:"vestedSats"`
	ClaimableSats          int64               `json:"claimableSats"`
	Claims                 []store.ClaimRecord `json:"claims"`
}

// Streams lists every stream, newest first.
func (p *Pipeline) Streams(ctx context.Context) ([]StreamView, error) {
	streams, err := p.store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := make([]StreamView, 0, len(streams))
	for i := range streams {
		v, err := p.view(ctx, &streams[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Stream returns one stream or ErrNotFound.
func (p *Pipeline) Stream(ctx context.Context, id string) (StreamView, error) {
	st, err := p.store.GetStream(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return StreamView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return StreamView{}, fmt.Errorf("load stream: %w", err)
	}
	return p.view(ctx, st)
}

func (p *Pipeline) view(ctx context.Context, st *store.Stream) (StreamView, error) {
	claims, err := p.store.ListClaims(ctx, st.ID)
	if err != nil {
		return StreamView{}, fmt.Errorf("list claims for %s: %w", st.ID, err)
	}
	if claims == nil {
		claims = []store.ClaimRecord{}
	}
	now := p.now().Unix()
	sched := st.Schedule()
	return StreamView{
		ID:                     st.ID,
		VaultID:                st.VaultID,
		CharmID:                st.CharmID,
		Beneficiary:            st.Beneficiary,
		TotalAmountSats:        st.TotalAmountSats,
		TotalAmountBTC:         vesting.BTCFromSats(st.TotalAmountSats),
		RateSatsPerSec:         st.RateSatsPerSec,
		StartUnix:              st.StartUnix,
		CliffUnix:              st.CliffUnix,
		StreamedCommitmentSats: st.StreamedCommitmentSats,
		Status:                 st.Status,
		VestedSats:             sched.Vested(now),
		ClaimableSats:          vesting.Claimable(sched, now),
		Claims:                 claims,
	}, nil
}
