package pot

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/liamzebedee/tinytrust/core"
)

var (
	ErrEngineStopped = errors.New("engine stopped")
	ErrEpochNotAfter = errors.New("epoch must be after the current epoch")
	ErrNoSnapshot    = errors.New("no snapshot for epoch")
	ErrEquivocation  = errors.New("equivocating proposal")
)

// Number of past epochs whose snapshots are retained for queries.
const SnapshotHistory = 16

// The Engine owns all mutable consensus state: registry, trust, beacon, snapshots and fork choice. Every
// operation is executed by a single goroutine (Run), so callers on any goroutine see a serial history.
// Snapshots handed out are immutable and may be shared freely.
type Engine struct {
	config   ConsensusConfig
	registry *Registry
	trust    *TrustState
	beacon   *Beacon
	fc       *ForkChoice
	proofs   ProofVerifier
	quality  QualityStrategy

	started      bool
	currentEpoch uint64
	snapshots    map[uint64]*EpochSnapshot

	// Identities that failed to reveal for an epoch's beacon. They earn no trust during that epoch.
	noReveals map[uint64][]Identity

	// Per epoch, by snapshot leaf index: who is excluded from rewards, and who was rewarded.
	excluded map[uint64]*core.Bitset
	produced map[uint64]*core.Bitset

	// Headers seen this epoch, by (identity, slot).
	seen map[proposalKey]Hash

	// Equivocations already penalized, by (identity, slot).
	slashed map[proposalKey]bool

	ops     chan func()
	stopped chan struct{}
	log     *log.Logger
}

type EngineOption func(*Engine)

// WithProofVerifier enables the opaque eligibility proof path.
func WithProofVerifier(pv ProofVerifier) EngineOption {
	return func(e *Engine) { e.proofs = pv }
}

// WithForkChoice replaces the default fork choice, eg. one restored from disk.
func WithForkChoice(fc *ForkChoice) EngineOption {
	return func(e *Engine) { e.fc = fc }
}

// WithQualityStrategy scales each block's trust reward by the proposer's quality score.
func WithQualityStrategy(q QualityStrategy) EngineOption {
	return func(e *Engine) { e.quality = q }
}

// WithSnapshots installs previously persisted snapshots along with their participation, where known. The latest
// snapshot becomes the current epoch.
func WithSnapshots(snaps []*EpochSnapshot, participation map[uint64]Participation) EngineOption {
	return func(e *Engine) {
		for _, snap := range snaps {
			epoch := snap.Epoch()
			e.snapshots[epoch] = snap
			e.excluded[epoch] = core.NewBitset(snap.Len())
			e.produced[epoch] = core.NewBitset(snap.Len())
			if p, ok := participation[epoch]; ok {
				e.excluded[epoch] = p.Excluded
				e.produced[epoch] = p.Produced
			}
			if !e.started || epoch > e.currentEpoch {
				e.started = true
				e.currentEpoch = epoch
			}
		}
	}
}

// GenesisBlockHash is the root of the fork choice tree.
func GenesisBlockHash(conf ConsensusConfig) Hash {
	return ProposalHeaderHash(0, 0, Identity{}, Hash{}, conf.GenesisSeed[:])
}

func NewEngine(conf ConsensusConfig, registry *Registry, trust *TrustState, beacon *Beacon, opts ...EngineOption) *Engine {
	e := &Engine{
		config:    conf,
		registry:  registry,
		trust:     trust,
		beacon:    beacon,
		snapshots: make(map[uint64]*EpochSnapshot),
		noReveals: make(map[uint64][]Identity),
		excluded:  make(map[uint64]*core.Bitset),
		produced:  make(map[uint64]*core.Bitset),
		seen:      make(map[proposalKey]Hash),
		slashed:   make(map[proposalKey]bool),
		ops:       make(chan func()),
		stopped:   make(chan struct{}),
		log:       core.NewLogger("pot", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fc == nil {
		e.fc = NewForkChoice(GenesisBlockHash(conf))
	}
	return e
}

// Run executes operations until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-e.ops:
			op()
		}
	}
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Config() ConsensusConfig {
	return e.config
}

// Commit records a beacon commitment for epoch.
func (e *Engine) Commit(ctx context.Context, epoch uint64, id Identity, commitment Hash) error {
	var err error
	if derr := e.do(ctx, func() {
		err = e.beacon.Commit(epoch, id, commitment)
	}); derr != nil {
		return derr
	}
	return err
}

// Reveal opens a commitment. An ErrInvalidReveal result is a protocol violation; penalizing it is up to the
// caller.
func (e *Engine) Reveal(ctx context.Context, epoch uint64, id Identity, preimage [32]byte) error {
	var err error
	if derr := e.do(ctx, func() {
		err = e.beacon.Reveal(epoch, id, preimage)
	}); derr != nil {
		return derr
	}
	return err
}

// FinalizeEpoch seals epoch's beacon and returns its seed with the identities that committed but never revealed.
// Those identities are excluded from trust rewards during epoch.
func (e *Engine) FinalizeEpoch(ctx context.Context, epoch uint64) (Hash, []Identity, error) {
	var (
		seed    Hash
		missing []Identity
		err     error
	)
	if derr := e.do(ctx, func() {
		seed, missing, err = e.beacon.Finalize(epoch)
		if err != nil || len(missing) == 0 {
			return
		}
		e.noReveals[epoch] = append(e.noReveals[epoch], missing...)
		e.markExcluded(epoch)
	}); derr != nil {
		return Hash{}, nil, derr
	}
	return seed, missing, err
}

func (e *Engine) markExcluded(epoch uint64) {
	snap, ok := e.snapshots[epoch]
	if !ok {
		return
	}
	bs := e.excluded[epoch]
	for _, id := range e.noReveals[epoch] {
		if i, ok := snap.IndexOf(id); ok {
			bs.Insert(i)
		}
	}
}

// BuildSnapshot starts epoch: it decays the trust of every validator that produced nothing during the previous
// epoch, then commits the weights of the current registry and trust state. Epochs only move forward.
func (e *Engine) BuildSnapshot(ctx context.Context, epoch uint64) (*EpochSnapshot, error) {
	var (
		snap *EpochSnapshot
		err  error
	)
	if derr := e.do(ctx, func() {
		snap, err = e.buildSnapshot(epoch)
	}); derr != nil {
		return nil, derr
	}
	return snap, err
}

func (e *Engine) buildSnapshot(epoch uint64) (*EpochSnapshot, error) {
	if e.started && epoch <= e.currentEpoch {
		return nil, fmt.Errorf("%w: %d <= %d", ErrEpochNotAfter, epoch, e.currentEpoch)
	}

	if prev, ok := e.snapshots[e.currentEpoch]; ok && e.started {
		produced := e.produced[e.currentEpoch]
		decayed := 0
		for i, entry := range prev.Entries() {
			if !produced.Contains(i) {
				e.trust.Decay(entry.Identity)
				decayed++
			}
		}
		e.log.Printf("epoch=%d idle validators decayed=%d\n", e.currentEpoch, decayed)
	}

	snap := BuildSnapshot(epoch, e.registry, e.trust, e.config.Trust, e.config.MinBond)
	e.snapshots[epoch] = snap
	e.excluded[epoch] = core.NewBitset(snap.Len())
	e.produced[epoch] = core.NewBitset(snap.Len())
	e.markExcluded(epoch)

	e.started = true
	e.currentEpoch = epoch
	e.seen = make(map[proposalKey]Hash)
	e.prune()
	return snap, nil
}

func (e *Engine) prune() {
	if e.currentEpoch < SnapshotHistory {
		return
	}
	floor := e.currentEpoch - SnapshotHistory
	floorSlot := e.config.Schedule().EpochStart(floor)
	for key := range e.slashed {
		if key.slot < floorSlot {
			delete(e.slashed, key)
		}
	}
	for epoch := range e.snapshots {
		if epoch < floor {
			delete(e.snapshots, epoch)
			delete(e.excluded, epoch)
			delete(e.produced, epoch)
			delete(e.noReveals, epoch)
		}
	}
}

func (e *Engine) verifier() (*Verifier, bool) {
	snap, ok := e.snapshots[e.currentEpoch]
	if !e.started || !ok {
		return nil, false
	}
	return &Verifier{
		Params:   e.config.SortitionParams(),
		Registry: e.registry,
		Snapshot: snap.Header(),
		Beacon:   e.beacon,
		Proofs:   e.proofs,
	}, true
}

func (e *Engine) verify(w *LeaderWitness) Verdict {
	v, ok := e.verifier()
	if !ok {
		return reject(ReasonWrongEpoch)
	}
	return v.Verify(w)
}

// Verify checks a witness against the current epoch. Witnesses for any other epoch are stale.
func (e *Engine) Verify(ctx context.Context, w *LeaderWitness) (Verdict, error) {
	var verdict Verdict
	if err := e.do(ctx, func() {
		verdict = e.verify(w)
	}); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// TryLead returns a witness for id if it is eligible to lead slot in the current epoch.
func (e *Engine) TryLead(ctx context.Context, id Identity, slot uint64) (*LeaderWitness, Verdict, error) {
	var (
		w       *LeaderWitness
		verdict Verdict
	)
	if err := e.do(ctx, func() {
		v, ok := e.verifier()
		if !ok {
			verdict = reject(ReasonWrongEpoch)
			return
		}
		w, verdict = v.TryLead(e.snapshots[e.currentEpoch], id, slot)
	}); err != nil {
		return nil, Verdict{}, err
	}
	return w, verdict, nil
}

// A BlockProposal is a leader witness together with the block it vouches for.
type BlockProposal struct {
	Witness *LeaderWitness
	Parent  Hash
	Body    []byte

	// Optional; only used with a quality strategy.
	Quality *QualityMetrics
}

// Header returns the hash committing to the proposal's content.
func (p BlockProposal) Header() Hash {
	w := p.Witness
	return ProposalHeaderHash(w.Epoch, w.Slot, w.Identity, p.Parent, p.Body)
}

type AcceptResult struct {
	Verdict     Verdict
	Header      Hash
	Block       BlockRef
	HeadChanged bool

	// Whether the proposer's trust was rewarded, and its trust afterwards.
	Rewarded bool
	Trust    core.Q
}

// AcceptProposal verifies a proposal's leader, inserts it into fork choice and applies exactly one trust reward to
// its proposer. A proposer excluded for failing to reveal is accepted but not rewarded. A second, different
// proposal by the same identity for the same slot is rejected with ErrEquivocation; penalizing it is done through
// ReportEquivocation.
func (e *Engine) AcceptProposal(ctx context.Context, p BlockProposal) (AcceptResult, error) {
	var (
		res AcceptResult
		err error
	)
	if derr := e.do(ctx, func() {
		res, err = e.acceptProposal(p)
	}); derr != nil {
		return AcceptResult{}, derr
	}
	return res, err
}

func (e *Engine) acceptProposal(p BlockProposal) (AcceptResult, error) {
	w := p.Witness
	verdict := e.verify(w)
	res := AcceptResult{Verdict: verdict}
	if !verdict.Eligible {
		return res, nil
	}

	header := p.Header()
	res.Header = header
	key := proposalKey{w.Identity, w.Slot}
	if prior, ok := e.seen[key]; ok && prior != header {
		return res, fmt.Errorf("%w: %s at slot %d", ErrEquivocation, w.Identity.Short(), w.Slot)
	}

	headChanged, err := e.fc.Insert(header, p.Parent, w.Epoch, w.Slot, w.Identity, verdict.TieBreak)
	if err != nil {
		return res, err
	}
	e.seen[key] = header
	res.Block, _ = e.fc.Get(header)
	res.HeadChanged = headChanged

	snap := e.snapshots[e.currentEpoch]
	idx, _ := snap.IndexOf(w.Identity)
	if e.excluded[e.currentEpoch].Contains(idx) {
		res.Trust = e.trust.Get(w.Identity)
		e.log.Printf("slot=%d leader=%s accepted, no reward (no-reveal)\n", w.Slot, w.Identity.Short())
		return res, nil
	}

	if e.quality != nil && p.Quality != nil {
		res.Trust = e.trust.ApplyBlockRewardWithQuality(w.Identity, e.quality(*p.Quality))
	} else {
		res.Trust = e.trust.ApplyBlockReward(w.Identity)
	}
	res.Rewarded = true
	e.produced[e.currentEpoch].Insert(idx)

	e.log.Printf("slot=%d leader=%s accepted header=%s trust=%s head_changed=%t\n", w.Slot, w.Identity.Short(), header.String()[:16], res.Trust, headChanged)
	return res, nil
}

// A SlashRecord is one penalty applied for an offense.
type SlashRecord struct {
	Offender Identity
	Offense  Offense
	Cut      uint64
	Evidence *EquivocationEvidence
}

// ReportEquivocation detects equivocations in a batch of proposals and penalizes every offender once per
// (identity, slot). Evidence for a pair that was already penalized is skipped, however often it is reported.
func (e *Engine) ReportEquivocation(ctx context.Context, proposals []Proposal) ([]SlashRecord, error) {
	var (
		records []SlashRecord
		err     error
	)
	if derr := e.do(ctx, func() {
		for _, ev := range FindEquivocations(proposals) {
			key := proposalKey{ev.Offender, ev.Slot}
			if e.slashed[key] {
				continue
			}
			cut, perr := e.config.Slashing.Penalize(e.registry, e.trust, OffenseEquivocation, ev.Offender)
			if perr != nil {
				err = perr
				return
			}
			e.slashed[key] = true
			ev := ev
			records = append(records, SlashRecord{Offender: ev.Offender, Offense: OffenseEquivocation, Cut: cut, Evidence: &ev})
			e.log.Printf("slashed %s for equivocation at slot %d cut=%d\n", ev.Offender.Short(), ev.Slot, cut)
		}
	}); derr != nil {
		return nil, derr
	}
	return records, err
}

// Penalize applies the configured penalty for an offense, eg. to the no-reveals returned by FinalizeEpoch.
func (e *Engine) Penalize(ctx context.Context, offense Offense, id Identity) (SlashRecord, error) {
	var (
		rec SlashRecord
		err error
	)
	if derr := e.do(ctx, func() {
		var cut uint64
		cut, err = e.config.Slashing.Penalize(e.registry, e.trust, offense, id)
		rec = SlashRecord{Offender: id, Offense: offense, Cut: cut}
		if err == nil {
			e.log.Printf("slashed %s for %s cut=%d\n", id.Short(), offense, cut)
		}
	}); derr != nil {
		return SlashRecord{}, derr
	}
	return rec, err
}

func (e *Engine) TrustOf(ctx context.Context, id Identity) (core.Q, error) {
	var t core.Q
	if err := e.do(ctx, func() {
		t = e.trust.Get(id)
	}); err != nil {
		return 0, err
	}
	return t, nil
}

// Snapshot returns the snapshot of a retained epoch.
func (e *Engine) Snapshot(ctx context.Context, epoch uint64) (*EpochSnapshot, error) {
	var (
		snap *EpochSnapshot
		ok   bool
	)
	if err := e.do(ctx, func() {
		snap, ok = e.snapshots[epoch]
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoSnapshot, epoch)
	}
	return snap, nil
}

// CurrentEpoch returns the epoch of the latest snapshot, and false before the first.
func (e *Engine) CurrentEpoch(ctx context.Context) (uint64, bool, error) {
	var (
		epoch   uint64
		started bool
	)
	if err := e.do(ctx, func() {
		epoch, started = e.currentEpoch, e.started
	}); err != nil {
		return 0, false, err
	}
	return epoch, started, nil
}

func (e *Engine) BeaconValue(ctx context.Context, epoch, slot uint64) (Hash, bool, error) {
	var (
		v  Hash
		ok bool
	)
	if err := e.do(ctx, func() {
		v, ok = e.beacon.Value(epoch, slot)
	}); err != nil {
		return Hash{}, false, err
	}
	return v, ok, nil
}

func (e *Engine) Head(ctx context.Context) (BlockRef, error) {
	var head BlockRef
	if err := e.do(ctx, func() {
		head = e.fc.Head()
	}); err != nil {
		return BlockRef{}, err
	}
	return head, nil
}

// An EngineView exposes the engine's state to a function running on the engine goroutine. It must not be retained
// after the function returns.
type EngineView struct {
	Registry      *Registry
	Trust         *TrustState
	Beacon        *Beacon
	ForkChoice    *ForkChoice
	Snapshots     map[uint64]*EpochSnapshot
	Participation map[uint64]Participation
}

// Participation tracks, by snapshot leaf index, who produced a block during an epoch and who is barred from
// trust rewards in it.
type Participation struct {
	Produced *core.Bitset
	Excluded *core.Bitset
}

// View runs fn with read access to the engine's state, eg. to persist it.
func (e *Engine) View(ctx context.Context, fn func(v EngineView) error) error {
	var err error
	if derr := e.do(ctx, func() {
		participation := make(map[uint64]Participation, len(e.snapshots))
		for epoch := range e.snapshots {
			participation[epoch] = Participation{Produced: e.produced[epoch], Excluded: e.excluded[epoch]}
		}
		err = fn(EngineView{
			Registry:      e.registry,
			Trust:         e.trust,
			Beacon:        e.beacon,
			ForkChoice:    e.fc,
			Snapshots:     e.snapshots,
			Participation: participation,
		})
	}); derr != nil {
		return derr
	}
	return err
}

// UpdateRegistry runs fn against the live registry, eg. to apply stake deposits. Changes take effect at the next
// snapshot.
func (e *Engine) UpdateRegistry(ctx context.Context, fn func(r *Registry)) error {
	return e.do(ctx, func() {
		fn(e.registry)
	})
}
