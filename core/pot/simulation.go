package pot

import (
	"context"
	"fmt"
	"slices"

	"github.com/liamzebedee/tinytrust/core"
)

// SimulationResult summarises a deterministic multi-validator run.
type SimulationResult struct {
	Slots          uint64
	EmptySlots     uint64
	ContestedSlots uint64
	Blocks         map[Identity]uint64
	Trust          map[Identity]core.Q
	Stake          map[Identity]uint64
	Head           BlockRef
}

// Simulate runs every genesis validator honestly for a number of epochs on one engine. In each slot, all eligible
// validators propose and the best candidate by tie-break weight is accepted. Beacon secrets are derived from
// seed, so a run is reproducible.
func Simulate(ctx context.Context, conf ConsensusConfig, validators []GenesisValidator, epochs uint64, seed string) (SimulationResult, error) {
	if err := conf.Validate(); err != nil {
		return SimulationResult{}, err
	}

	registry := NewRegistry()
	trust := NewTrustState(conf.Trust)
	ApplyGenesis(validators, registry, trust)
	engine := NewEngine(conf, registry, trust, NewBeacon(conf.GenesisSeed, 0))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go engine.Run(ctx)

	ids := make([]Identity, 0, len(validators))
	for _, v := range validators {
		ids = append(ids, v.Identity)
	}
	sortIdentities(ids)

	preimage := func(epoch uint64, id Identity) [32]byte {
		return core.Hash(append(append([]byte(seed), core.Uint64Bytes(epoch)...), id[:]...))
	}

	res := SimulationResult{
		Blocks: make(map[Identity]uint64),
		Trust:  make(map[Identity]core.Q),
		Stake:  make(map[Identity]uint64),
	}
	sched := conf.Schedule()

	if _, _, err := engine.FinalizeEpoch(ctx, 0); err != nil {
		return res, err
	}
	for epoch := uint64(0); epoch < epochs; epoch++ {
		if _, err := engine.BuildSnapshot(ctx, epoch); err != nil {
			return res, err
		}
		next := epoch + 1
		start := sched.EpochStart(epoch)

		for slot := start; slot < start+conf.EpochLengthSlots; slot++ {
			switch {
			case sched.Offset(slot) == 0:
				for _, id := range ids {
					if err := engine.Commit(ctx, next, id, CommitmentFor(next, id, preimage(next, id))); err != nil {
						return res, fmt.Errorf("commit %s: %w", id.Short(), err)
					}
				}
			case sched.Offset(slot) == sched.CommitWindowSlots:
				for _, id := range ids {
					if err := engine.Reveal(ctx, next, id, preimage(next, id)); err != nil {
						return res, fmt.Errorf("reveal %s: %w", id.Short(), err)
					}
				}
			}
			if sched.RevealDeadlinePassed(next, slot) {
				if _, _, err := engine.FinalizeEpoch(ctx, next); err != nil {
					return res, err
				}
			}

			if err := simulateSlot(ctx, engine, ids, slot, &res); err != nil {
				return res, err
			}
			res.Slots++
		}
		if _, _, err := engine.FinalizeEpoch(ctx, next); err != nil {
			return res, err
		}
	}

	err := engine.View(ctx, func(v EngineView) error {
		for _, id := range ids {
			res.Trust[id] = v.Trust.Get(id)
			res.Stake[id] = v.Registry.Stake(id)
		}
		res.Head = v.ForkChoice.Head()
		return nil
	})
	return res, err
}

func simulateSlot(ctx context.Context, engine *Engine, ids []Identity, slot uint64, res *SimulationResult) error {
	head, err := engine.Head(ctx)
	if err != nil {
		return err
	}

	proposals := []BlockProposal{}
	candidates := []Candidate{}
	for _, id := range ids {
		w, verdict, err := engine.TryLead(ctx, id, slot)
		if err != nil {
			return err
		}
		if w == nil {
			continue
		}
		p := BlockProposal{Witness: w, Parent: head.Hash, Body: core.Uint64Bytes(slot)}
		proposals = append(proposals, p)
		candidates = append(candidates, Candidate{Hash: p.Header(), TieBreak: verdict.TieBreak})
	}

	switch {
	case len(proposals) == 0:
		res.EmptySlots++
		return nil
	case len(proposals) > 1:
		res.ContestedSlots++
	}

	best := 0
	for i := range candidates {
		if Better(candidates[i], candidates[best]) {
			best = i
		}
	}
	if _, err := engine.AcceptProposal(ctx, proposals[best]); err != nil {
		return err
	}
	res.Blocks[proposals[best].Witness.Identity]++
	return nil
}

// Leaders returns the identities of a result sorted by blocks produced, most first.
func (r SimulationResult) Leaders() []Identity {
	ids := make([]Identity, 0, len(r.Stake))
	for id := range r.Stake {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b Identity) int {
		if r.Blocks[a] != r.Blocks[b] {
			if r.Blocks[a] > r.Blocks[b] {
				return -1
			}
			return 1
		}
		return a.Compare(b)
	})
	return ids
}
