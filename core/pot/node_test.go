package pot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/stretchr/testify/assert"
)

type nodeFixture struct {
	engine *Engine
	node   *Node
	db     *sql.DB
	ctx    context.Context
	key    *core.Keypair
	other  *core.Keypair
}

// newNodeFixture runs a node for key alongside a second registered validator, other, which the test drives by
// hand. Every validator is eligible for every slot.
func newNodeFixture(t *testing.T) nodeFixture {
	key, err := core.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	other, err := core.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	conf := testConfig()
	conf.Lambda = core.ONE * 100
	registry := NewRegistry()
	registry.Set(IdentityOf(key), 1000, true)
	registry.Set(IdentityOf(other), 1000, true)

	engine := NewEngine(conf, registry, NewTrustState(conf.Trust), NewBeacon(conf.GenesisSeed, 0))
	ctx := startEngine(t, engine)

	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	node, err := NewNode(engine, NewSlotClock(time.Now(), time.Second), key, db)
	if err != nil {
		t.Fatal(err)
	}
	return nodeFixture{engine: engine, node: node, db: db, ctx: ctx, key: key, other: other}
}

func (f nodeFixture) stake(t *testing.T, id Identity) uint64 {
	var stake uint64
	err := f.engine.View(f.ctx, func(v EngineView) error {
		stake = v.Registry.Stake(id)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return stake
}

func TestNodeRunsEpochs(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	topics := map[string]int{}
	f.node.OnBroadcast = func(buf []byte) {
		topic, sender, _, err := OpenEnvelope(buf)
		assert.Nil(err)
		assert.Equal(f.node.Identity(), sender)
		topics[topic]++
	}
	accepted := 0
	f.node.OnAccepted = func(res AcceptResult) {
		assert.True(res.Rewarded)
		accepted++
	}

	for slot := uint64(0); slot < 16; slot++ {
		assert.Nil(f.node.ProcessSlot(f.ctx, slot))
	}

	// One commitment and one reveal per epoch, and a block in every slot.
	assert.Equal(2, topics[TopicCommit])
	assert.Equal(2, topics[TopicReveal])
	assert.Equal(16, topics[TopicProposal])
	assert.Equal(16, accepted)

	epoch, _, err := f.engine.CurrentEpoch(f.ctx)
	assert.Nil(err)
	assert.Equal(uint64(1), epoch)
	_, ok, err := f.engine.BeaconValue(f.ctx, 2, 16)
	assert.Nil(err)
	assert.True(ok, "epoch 2 beacon finalized during epoch 1")

	// The idle validator decayed at the epoch boundary and was not slashed for staying silent.
	params := f.engine.Config().Trust
	idle, _ := f.engine.TrustOf(f.ctx, IdentityOf(f.other))
	assert.Equal(params.Decay(params.Initial), idle)
	assert.Equal(uint64(1000), f.stake(t, IdentityOf(f.other)))
	mine, _ := f.engine.TrustOf(f.ctx, f.node.Identity())
	assert.True(mine > params.Initial)

	// Blocks, secrets and state were persisted.
	head, _ := f.engine.Head(f.ctx)
	assert.Equal(uint64(16), head.Height)
	fc, err := LoadForkChoice(f.db, GenesisBlockHash(f.engine.Config()))
	assert.Nil(err)
	assert.Equal(head, fc.Head())

	store, err := LoadDataStore[ValidatorStore](f.db, validatorStoreKey)
	assert.Nil(err)
	assert.Equal(f.node.Identity(), store.Identity)
	assert.Len(store.Preimages, 2)
	nodeStore, err := LoadDataStore[NodeStore](f.db, nodeStoreKey)
	assert.Nil(err)
	assert.Equal(uint64(15), nodeStore.LastSlot)
	genesis, ok, err := NodeGenesisTime(f.db)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(f.node.Clock.Genesis().UnixMilli(), genesis.UnixMilli())
	_, err = LoadSnapshot(f.db, 1)
	assert.Nil(err)

	// The store is bound to this validator.
	stranger, _ := core.GenerateKeypair()
	_, err = NewNode(f.engine, f.node.Clock, stranger, f.db)
	assert.NotNil(err)
}

func TestNodeHandleMessageRejects(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	assert.Nil(f.node.ProcessSlot(f.ctx, 0))

	// A commitment claiming someone else's identity.
	payload, _ := EncodeCommit(Commit{Epoch: 1, Identity: f.node.Identity(), Commitment: Hash{1}})
	buf, _ := SealEnvelope(f.other, TopicCommit, payload)
	assert.ErrorIs(f.node.HandleMessage(f.ctx, buf), ErrSenderMismatch)

	buf, _ = SealEnvelope(f.other, "gossip", []byte("hello"))
	assert.ErrorIs(f.node.HandleMessage(f.ctx, buf), ErrMalformedMessage)

	buf, _ = SealEnvelope(f.other, TopicProposal, []byte("junk"))
	assert.ErrorIs(f.node.HandleMessage(f.ctx, buf), ErrMalformedMessage)

	assert.NotNil(f.node.HandleMessage(f.ctx, []byte("junk")))
	assert.Equal(uint64(1000), f.stake(t, IdentityOf(f.other)))
}

func TestNodePenalizesInvalidReveal(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	assert.Nil(f.node.ProcessSlot(f.ctx, 0))
	id := IdentityOf(f.other)

	payload, _ := EncodeCommit(Commit{Epoch: 1, Identity: id, Commitment: CommitmentFor(1, id, preimageFor("other"))})
	buf, _ := SealEnvelope(f.other, TopicCommit, payload)
	assert.Nil(f.node.HandleMessage(f.ctx, buf))

	payload, _ = EncodeReveal(Reveal{Epoch: 1, Identity: id, Preimage: preimageFor("lie")})
	buf, _ = SealEnvelope(f.other, TopicReveal, payload)
	assert.ErrorIs(f.node.HandleMessage(f.ctx, buf), ErrInvalidReveal)
	assert.Equal(uint64(950), f.stake(t, id))

	// Failing to reveal at all is penalized when the beacon is finalized.
	for slot := uint64(1); slot < 8; slot++ {
		assert.Nil(f.node.ProcessSlot(f.ctx, slot))
	}
	assert.Equal(uint64(950-9), f.stake(t, id))
}

func TestNodeSlashesEquivocation(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	assert.Nil(f.node.ProcessSlot(f.ctx, 0))
	id := IdentityOf(f.other)

	w, verdict, err := f.engine.TryLead(f.ctx, id, 1)
	assert.Nil(err)
	assert.True(verdict.Eligible)
	head, _ := f.engine.Head(f.ctx)

	send := func(p BlockProposal) error {
		payload, err := EncodeProposal(p)
		assert.Nil(err)
		buf, err := SealEnvelope(f.other, TopicProposal, payload)
		assert.Nil(err)
		return f.node.HandleMessage(f.ctx, buf)
	}

	assert.Nil(send(BlockProposal{Witness: w, Parent: head.Hash, Body: []byte("one")}))
	assert.ErrorIs(send(BlockProposal{Witness: w, Parent: head.Hash, Body: []byte("two")}), ErrEquivocation)
	assert.Equal(uint64(900), f.stake(t, id))

	// A forged witness is a violation too.
	forged := *w
	forged.Slot = 2
	forged.Trust = core.ONE
	assert.NotNil(send(BlockProposal{Witness: &forged, Parent: head.Hash}))
	assert.Equal(uint64(900-45), f.stake(t, id))
}

func TestNodeSlashesEachEquivocationOnce(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	assert.Nil(f.node.ProcessSlot(f.ctx, 0))
	head, _ := f.engine.Head(f.ctx)
	other, self := IdentityOf(f.other), f.node.Identity()

	send := func(key *core.Keypair, slot uint64, body string) error {
		w, verdict, err := f.engine.TryLead(f.ctx, IdentityOf(key), slot)
		assert.Nil(err)
		assert.True(verdict.Eligible)
		payload, err := EncodeProposal(BlockProposal{Witness: w, Parent: head.Hash, Body: []byte(body)})
		assert.Nil(err)
		buf, err := SealEnvelope(key, TopicProposal, payload)
		assert.Nil(err)
		return f.node.HandleMessage(f.ctx, buf)
	}

	assert.Nil(send(f.other, 1, "one"))
	assert.ErrorIs(send(f.other, 1, "two"), ErrEquivocation)
	assert.Equal(uint64(900), f.stake(t, other))

	// More conflicting headers for the same slot are not a new offense.
	assert.ErrorIs(send(f.other, 1, "three"), ErrEquivocation)
	assert.Equal(uint64(900), f.stake(t, other))

	// Another slot is.
	assert.Nil(send(f.other, 2, "one"))
	assert.ErrorIs(send(f.other, 2, "two"), ErrEquivocation)
	assert.Equal(uint64(810), f.stake(t, other))

	// A different offender leaves earlier offenders alone.
	assert.Nil(send(f.key, 3, "one"))
	assert.ErrorIs(send(f.key, 3, "two"), ErrEquivocation)
	assert.Equal(uint64(900), f.stake(t, self))
	assert.Equal(uint64(810), f.stake(t, other))
}

func TestNodeRunHandlesDeliveredMessages(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.node.Run(ctx) }()

	id := IdentityOf(f.other)
	commitment := CommitmentFor(1, id, preimageFor("other"))
	payload, _ := EncodeCommit(Commit{Epoch: 1, Identity: id, Commitment: commitment})
	buf, _ := SealEnvelope(f.other, TopicCommit, payload)
	assert.Nil(f.node.Deliver(ctx, buf))

	assert.Eventually(func() bool {
		var got Hash
		var ok bool
		err := f.engine.View(f.ctx, func(v EngineView) error {
			if s, found := v.Beacon.Lookup(1); found {
				got, ok = s.Commitment(id)
			}
			return nil
		})
		return err == nil && ok && got == commitment
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestNodeCatchesUpMissedEpochs(t *testing.T) {
	assert := assert.New(t)

	f := newNodeFixture(t)
	accepted := 0
	f.node.OnAccepted = func(res AcceptResult) { accepted++ }

	// The node wakes up in epoch 3 having seen nothing since genesis.
	slot := f.engine.Config().Schedule().EpochStart(3)
	assert.Nil(f.node.ProcessSlot(f.ctx, slot))

	epoch, _, err := f.engine.CurrentEpoch(f.ctx)
	assert.Nil(err)
	assert.Equal(uint64(3), epoch)
	for e := uint64(0); e <= 3; e++ {
		_, ok, err := f.engine.BeaconValue(f.ctx, e, slot)
		assert.Nil(err)
		assert.True(ok, "epoch %d sealed", e)
	}
	assert.Equal(1, accepted)
}
