package pot

import (
	"testing"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/stretchr/testify/assert"
)

// Three validators run one full epoch: beacon commit-reveal, snapshot, leader election and reward.
func TestEndToEndEpoch(t *testing.T) {
	assert := assert.New(t)

	conf := testConfig()
	conf.Lambda = core.ONE * 2
	// Beta = 1 - Alpha exactly, so that trust converges on 1.0.
	conf.Trust.Alpha = core.QFromBasisPoints(9000)
	conf.Trust.Beta = core.ONE - conf.Trust.Alpha
	assert.Equal(core.ONE, conf.Trust.FixedPoint())

	parse := func(s string) *core.Q {
		q, err := core.ParseQ(s)
		if err != nil {
			t.Fatal(err)
		}
		return &q
	}
	labels := []string{"alice", "bob", "carol"}
	genesis := []GenesisValidator{
		{Identity: IdentityFromSeed(labels[0]), Stake: 1_000_000, Trust: parse("0.85")},
		{Identity: IdentityFromSeed(labels[1]), Stake: 1_500_000, Trust: parse("0.60")},
		{Identity: IdentityFromSeed(labels[2]), Stake: 700_000, Trust: parse("1.00")},
	}
	registry := NewRegistry()
	trust := NewTrustState(conf.Trust)
	ApplyGenesis(genesis, registry, trust)

	e := NewEngine(conf, registry, trust, NewBeacon(conf.GenesisSeed, 0))
	ctx := startEngine(t, e)

	_, _, err := e.FinalizeEpoch(ctx, 0)
	assert.Nil(err)
	_, err = e.BuildSnapshot(ctx, 0)
	assert.Nil(err)

	// Epoch 0 runs the commit-reveal for epoch 1.
	for i, v := range genesis {
		assert.Nil(e.Commit(ctx, 1, v.Identity, CommitmentFor(1, v.Identity, preimageFor(labels[i]))))
	}
	for i, v := range genesis {
		assert.Nil(e.Reveal(ctx, 1, v.Identity, preimageFor(labels[i])))
	}
	_, missing, err := e.FinalizeEpoch(ctx, 1)
	assert.Nil(err)
	assert.Empty(missing)

	snap, err := e.BuildSnapshot(ctx, 1)
	assert.Nil(err)
	assert.Equal(3, snap.Len())

	var sum core.Q
	for _, v := range genesis {
		sum = core.QAdd(sum, snap.NormalizedWeight(v.Identity))
	}
	assert.InDelta(float64(core.ONE), float64(sum), 8)

	// Nobody produced in epoch 0, so everyone starts epoch 1 decayed once.
	prior := map[Identity]core.Q{}
	for _, v := range genesis {
		prior[v.Identity] = conf.Trust.Decay(*v.Trust)
		entry, _ := snap.Entry(v.Identity)
		assert.Equal(prior[v.Identity], entry.Trust)
	}

	// Find the first slot of epoch 1 with at least one leader and pick the winner.
	sched := conf.Schedule()
	var (
		winner  *LeaderWitness
		verdict Verdict
	)
	for slot := sched.EpochStart(1); slot < sched.EpochStart(2) && winner == nil; slot++ {
		for _, v := range genesis {
			w, vd, err := e.TryLead(ctx, v.Identity, slot)
			assert.Nil(err)
			if !vd.Eligible {
				continue
			}
			better := winner == nil || Better(
				Candidate{Hash: BlockProposal{Witness: w}.Header(), TieBreak: vd.TieBreak},
				Candidate{Hash: BlockProposal{Witness: winner}.Header(), TieBreak: verdict.TieBreak},
			)
			if better {
				winner, verdict = w, vd
			}
		}
	}
	if winner == nil {
		t.Fatal("no leader in epoch 1")
	}

	// Anyone can recompute the verdict from public data.
	beaconValue, ok, err := e.BeaconValue(ctx, 1, winner.Slot)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(EligHash(beaconValue, winner.Slot, winner.Identity), verdict.EligHash)
	entry, _ := snap.Entry(winner.Identity)
	assert.Equal(Threshold(conf.Lambda, entry.Weight, snap.SumWeights()), verdict.Threshold)
	assert.True(PassesThreshold(verdict.EligHash, verdict.Threshold))

	res, err := e.AcceptProposal(ctx, BlockProposal{Witness: winner, Parent: GenesisBlockHash(conf), Body: []byte("first block")})
	assert.Nil(err)
	assert.True(res.Rewarded)
	assert.True(res.HeadChanged)

	for _, v := range genesis {
		now, err := e.TrustOf(ctx, v.Identity)
		assert.Nil(err)
		before := prior[v.Identity]
		switch {
		case v.Identity != winner.Identity:
			assert.Equal(before, now)
		case before < core.ONE:
			assert.True(now > before, "winner trust %s -> %s", before, now)
		default:
			assert.Equal(core.ONE, now)
		}
		assert.True(now <= core.ONE)
	}
}
