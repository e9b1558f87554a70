package pot

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/liamzebedee/tinytrust/core"
)

var ErrSenderMismatch = errors.New("message identity does not match its signer")

const (
	validatorStoreKey = "validator"
	nodeStoreKey      = "node"
)

// Number of delivered messages that may wait for the Run goroutine.
const inboxSize = 256

// A Node drives one local validator through the protocol, slot by slot: it commits to and reveals beacon secrets,
// finalizes beacons once their reveal deadline passes, builds a snapshot at each epoch boundary and proposes
// whenever it is eligible. Every message it produces is sealed, handed to OnBroadcast, and fed back through
// HandleMessage, the same path remote messages take.
//
// A Node is not safe for concurrent use. While Run is active, messages from the network must be passed to
// Deliver, which hands them to the Run goroutine.
type Node struct {
	Engine *Engine
	Clock  *SlotClock

	schedule Schedule
	key      *core.Keypair
	identity Identity
	db       *sql.DB
	store    *ValidatorStore

	// Called with every sealed message the node publishes.
	OnBroadcast func(buf []byte)

	// Called for every proposal accepted into fork choice.
	OnAccepted func(res AcceptResult)

	revealed  map[uint64]bool
	finalized map[uint64]bool
	proposals []Proposal
	nextSlot  uint64

	inbox chan []byte

	log *log.Logger
}

// NewNode creates a node for the validator holding key. db may be nil, in which case nothing is persisted.
func NewNode(engine *Engine, clock *SlotClock, key *core.Keypair, db *sql.DB) (*Node, error) {
	n := &Node{
		Engine:    engine,
		Clock:     clock,
		schedule:  engine.Config().Schedule(),
		key:       key,
		identity:  IdentityOf(key),
		db:        db,
		store:     &ValidatorStore{},
		revealed:  make(map[uint64]bool),
		finalized: make(map[uint64]bool),
		inbox:     make(chan []byte, inboxSize),
		log:       core.NewLogger("pot", "node"),
	}
	if db != nil {
		store, err := LoadDataStore[ValidatorStore](db, validatorStoreKey)
		if err != nil {
			return nil, fmt.Errorf("error loading validator store: %w", err)
		}
		if store.Identity != (Identity{}) && store.Identity != n.identity {
			return nil, fmt.Errorf("validator store belongs to %s, not %s", store.Identity.Short(), n.identity.Short())
		}
		store.Identity = n.identity
		n.store = store
	}
	return n, nil
}

func (n *Node) Identity() Identity {
	return n.identity
}

// Run processes slots as the clock reaches them until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.nextSlot = n.Clock.CurrentSlot()
	n.log.Printf("validator %s starting at slot %d\n", n.identity.Short(), n.nextSlot)

	for {
		slot := n.nextSlot
		if err := n.waitForSlot(ctx, slot); err != nil {
			n.persist(context.Background(), slot)
			return err
		}
		if err := n.ProcessSlot(ctx, slot); err != nil {
			if ctx.Err() != nil {
				n.persist(context.Background(), slot)
				return ctx.Err()
			}
			n.log.Printf("slot=%d error: %s\n", slot, err)
		}
		n.nextSlot = slot + 1
	}
}

// waitForSlot blocks until slot has started, handling delivered messages meanwhile.
func (n *Node) waitForSlot(ctx context.Context, slot uint64) error {
	for {
		d := n.Clock.Until(slot)
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			return nil
		case buf := <-n.inbox:
			timer.Stop()
			if err := n.HandleMessage(ctx, buf); err != nil {
				n.log.Printf("slot=%d message: %s\n", slot, err)
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Deliver queues a message received from the network for the Run goroutine. It blocks while the queue is full.
func (n *Node) Deliver(ctx context.Context, buf []byte) error {
	select {
	case n.inbox <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessSlot performs the node's duties for one slot.
func (n *Node) ProcessSlot(ctx context.Context, slot uint64) error {
	epoch := n.schedule.EpochOf(slot)
	target := n.schedule.BeaconTarget(slot)

	if err := n.ensureEpoch(ctx, epoch); err != nil {
		return err
	}
	if n.schedule.CommitOpen(slot) {
		if err := n.commit(ctx, target); err != nil {
			n.log.Printf("slot=%d commit: %s\n", slot, err)
		}
	}
	if n.schedule.RevealOpen(slot) {
		if err := n.reveal(ctx, target); err != nil {
			n.log.Printf("slot=%d reveal: %s\n", slot, err)
		}
	}
	if n.schedule.RevealDeadlinePassed(target, slot) && !n.finalized[target] {
		n.finalize(ctx, target)
	}
	if err := n.lead(ctx, slot); err != nil {
		n.log.Printf("slot=%d propose: %s\n", slot, err)
	}
	if n.schedule.Offset(slot) == n.schedule.EpochLengthSlots-1 {
		n.persist(ctx, slot)
	}
	return nil
}

func (n *Node) ensureEpoch(ctx context.Context, epoch uint64) error {
	cur, started, err := n.Engine.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if started && cur >= epoch {
		return nil
	}
	if !n.finalized[epoch] {
		n.finalize(ctx, epoch)
	}
	if _, err := n.Engine.BuildSnapshot(ctx, epoch); err != nil {
		return err
	}
	n.proposals = nil
	for e := range n.finalized {
		if e+2 < epoch {
			delete(n.finalized, e)
			delete(n.revealed, e)
		}
	}
	return nil
}

func (n *Node) finalize(ctx context.Context, epoch uint64) {
	_, missing, err := n.Engine.FinalizeEpoch(ctx, epoch)
	if errors.Is(err, ErrPreviousNotFinalized) && epoch > 0 {
		// Epochs missed while the node was down are sealed with whatever was persisted for them.
		n.finalize(ctx, epoch-1)
		_, missing, err = n.Engine.FinalizeEpoch(ctx, epoch)
	}
	if err != nil {
		n.log.Printf("epoch=%d finalize: %s\n", epoch, err)
		return
	}
	n.finalized[epoch] = true
	for _, id := range missing {
		if _, err := n.Engine.Penalize(ctx, OffenseNoReveal, id); err != nil {
			n.log.Printf("epoch=%d penalize no-reveal %s: %s\n", epoch, id.Short(), err)
		}
	}
}

func (n *Node) commit(ctx context.Context, epoch uint64) error {
	if _, ok := n.store.Preimage(epoch); ok {
		return nil
	}
	var preimage Hash
	if _, err := rand.Read(preimage[:]); err != nil {
		return err
	}
	n.store.Preimages = append(n.store.Preimages, StoredPreimage{Epoch: epoch, Preimage: preimage})
	if n.db != nil {
		if err := SaveDataStore(n.db, validatorStoreKey, *n.store); err != nil {
			return err
		}
	}

	payload, err := EncodeCommit(Commit{Epoch: epoch, Identity: n.identity, Commitment: CommitmentFor(epoch, n.identity, preimage)})
	if err != nil {
		return err
	}
	return n.publish(ctx, TopicCommit, payload)
}

func (n *Node) reveal(ctx context.Context, epoch uint64) error {
	if n.revealed[epoch] {
		return nil
	}
	preimage, ok := n.store.Preimage(epoch)
	if !ok {
		return nil
	}
	n.revealed[epoch] = true
	payload, err := EncodeReveal(Reveal{Epoch: epoch, Identity: n.identity, Preimage: preimage})
	if err != nil {
		return err
	}
	return n.publish(ctx, TopicReveal, payload)
}

func (n *Node) lead(ctx context.Context, slot uint64) error {
	w, _, err := n.Engine.TryLead(ctx, n.identity, slot)
	if err != nil || w == nil {
		return err
	}
	head, err := n.Engine.Head(ctx)
	if err != nil {
		return err
	}
	payload, err := EncodeProposal(BlockProposal{Witness: w, Parent: head.Hash, Body: core.Uint64Bytes(slot)})
	if err != nil {
		return err
	}
	return n.publish(ctx, TopicProposal, payload)
}

func (n *Node) publish(ctx context.Context, topic string, payload []byte) error {
	buf, err := SealEnvelope(n.key, topic, payload)
	if err != nil {
		return err
	}
	if n.OnBroadcast != nil {
		n.OnBroadcast(buf)
	}
	return n.HandleMessage(ctx, buf)
}

// HandleMessage authenticates and applies a gossip message. Protocol violations are penalized. It must not be
// called concurrently with Run; use Deliver instead.
func (n *Node) HandleMessage(ctx context.Context, buf []byte) error {
	topic, sender, payload, err := OpenEnvelope(buf)
	if err != nil {
		return err
	}

	switch topic {
	case TopicCommit:
		c, err := DecodeCommit(payload)
		if err != nil {
			return err
		}
		if c.Identity != sender {
			return ErrSenderMismatch
		}
		return n.Engine.Commit(ctx, c.Epoch, c.Identity, c.Commitment)

	case TopicReveal:
		r, err := DecodeReveal(payload)
		if err != nil {
			return err
		}
		if r.Identity != sender {
			return ErrSenderMismatch
		}
		err = n.Engine.Reveal(ctx, r.Epoch, r.Identity, r.Preimage)
		if IsViolation(err) {
			n.penalize(ctx, OffenseInvalidReveal, sender)
		}
		return err

	case TopicProposal:
		p, err := DecodeProposal(payload)
		if err != nil {
			return err
		}
		if p.Witness.Identity != sender {
			return ErrSenderMismatch
		}
		return n.handleProposal(ctx, p)
	}
	return fmt.Errorf("%w: unknown topic %q", ErrMalformedMessage, topic)
}

func (n *Node) handleProposal(ctx context.Context, p BlockProposal) error {
	w := p.Witness
	n.proposals = append(n.proposals, Proposal{Identity: w.Identity, Slot: w.Slot, HeaderHash: p.Header()})

	res, err := n.Engine.AcceptProposal(ctx, p)
	if errors.Is(err, ErrEquivocation) {
		conflicting := []Proposal{}
		for _, q := range n.proposals {
			if q.Identity == w.Identity && q.Slot == w.Slot {
				conflicting = append(conflicting, q)
			}
		}
		if _, serr := n.Engine.ReportEquivocation(ctx, conflicting); serr != nil {
			n.log.Printf("report equivocation: %s\n", serr)
		}
		return err
	}
	if err != nil {
		return err
	}
	if !res.Verdict.Eligible {
		if res.Verdict.Reason.IsViolation() {
			n.penalize(ctx, OffenseInvalidWitness, w.Identity)
		}
		return fmt.Errorf("proposal from %s rejected: %s", w.Identity.Short(), res.Verdict.Reason)
	}

	if n.db != nil {
		if err := SaveBlock(n.db, res.Block); err != nil {
			return err
		}
	}
	if n.OnAccepted != nil {
		n.OnAccepted(res)
	}
	return nil
}

func (n *Node) penalize(ctx context.Context, offense Offense, id Identity) {
	if _, err := n.Engine.Penalize(ctx, offense, id); err != nil {
		n.log.Printf("penalize %s for %s: %s\n", id.Short(), offense, err)
	}
}

func (n *Node) persist(ctx context.Context, slot uint64) {
	if n.db == nil {
		return
	}
	err := n.Engine.View(ctx, func(v EngineView) error {
		return SaveState(n.db, v)
	})
	if err != nil {
		n.log.Printf("slot=%d persist: %s\n", slot, err)
		return
	}
	if err := SaveDataStore(n.db, nodeStoreKey, NodeStore{LastSlot: slot, GenesisTimeMillis: uint64(n.Clock.Genesis().UnixMilli())}); err != nil {
		n.log.Printf("slot=%d persist: %s\n", slot, err)
	}
}
