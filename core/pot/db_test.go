package pot

import (
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/liamzebedee/tinytrust/core"
	"github.com/stretchr/testify/assert"
)

func openTestDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "tinytrust.sqlite")
}

func TestOpenDBMigrationsIdempotent(t *testing.T) {
	assert := assert.New(t)

	path := openTestDB(t)
	db, err := OpenDB(path)
	assert.Nil(err)
	version, err := dbGetVersion(db)
	assert.Nil(err)
	assert.Equal(3, version)
	db.Close()

	db, err = OpenDB(path)
	assert.Nil(err)
	defer db.Close()
	version, err = dbGetVersion(db)
	assert.Nil(err)
	assert.Equal(3, version)

	var rows int
	assert.Nil(db.QueryRow("select count(*) from tinytrust_version").Scan(&rows))
	assert.Equal(4, rows)
}

func TestRegistryTrustPersistence(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	registry, ids := testRegistry([]string{"a", "b"}, []uint64{^uint64(0), 5})
	registry.SetActive(ids[1], false)
	trust := NewTrustState(testTrustParams())
	trust.Set(ids[0], core.ONE)
	trust.Set(ids[1], core.QFromBasisPoints(1234))

	assert.Nil(SaveRegistry(db, registry))
	assert.Nil(SaveTrust(db, trust))
	// Saving again replaces rather than duplicates.
	assert.Nil(SaveRegistry(db, registry))

	loadedRegistry, err := LoadRegistry(db)
	assert.Nil(err)
	assert.Equal(registry.Entries(), loadedRegistry.Entries())

	loadedTrust, err := LoadTrust(db, testTrustParams())
	assert.Nil(err)
	assert.True(trust.Equal(loadedTrust))
}

func TestSnapshotPersistence(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	registry, _ := testRegistry([]string{"a", "b", "c"}, []uint64{10, 20, 30})
	snap := BuildSnapshot(7, registry, nil, testTrustParams(), 0)
	assert.Nil(SaveSnapshot(db, snap))
	assert.Nil(SaveSnapshot(db, snap))

	loaded, err := LoadSnapshot(db, 7)
	assert.Nil(err)
	assert.Equal(snap.Header(), loaded.Header())
	assert.Equal(snap.Entries(), loaded.Entries())

	_, err = LoadSnapshot(db, 8)
	assert.ErrorIs(err, ErrNoSnapshot)

	later := BuildSnapshot(9, registry, nil, testTrustParams(), 15)
	assert.Nil(SaveSnapshot(db, later))
	recent, err := LoadRecentSnapshots(db, 16)
	assert.Nil(err)
	assert.Len(recent, 2)
	assert.Equal(uint64(7), recent[0].Epoch())
	assert.Equal(later.Header(), recent[1].Header())
	recent, err = LoadRecentSnapshots(db, 1)
	assert.Nil(err)
	assert.Len(recent, 1)
	assert.Equal(uint64(9), recent[0].Epoch())

	// A tampered row no longer matches the stored root.
	_, err = db.Exec("update snapshot_entries set trust = trust + 1 where epoch = 7 and idx = 0")
	assert.Nil(err)
	_, err = LoadSnapshot(db, 7)
	assert.NotNil(err)
}

func TestBeaconPersistence(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	genesis := Hash{5}
	b := NewBeacon(genesis, 0)
	_, _, err = b.Finalize(0)
	assert.Nil(err)
	a, c := IdentityFromSeed("a"), IdentityFromSeed("c")
	assert.Nil(b.Commit(1, a, CommitmentFor(1, a, preimageFor("a"))))
	assert.Nil(b.Commit(1, c, CommitmentFor(1, c, preimageFor("c"))))
	assert.Nil(b.Reveal(1, a, preimageFor("a")))

	for _, epoch := range b.Epochs() {
		s, _ := b.Lookup(epoch)
		assert.Nil(SaveBeaconEpoch(db, s))
	}

	first, ok, err := FirstBeaconEpoch(db)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(uint64(0), first)

	loaded, err := LoadBeacon(db, genesis, 0)
	assert.Nil(err)
	assert.Equal(b.Epochs(), loaded.Epochs())
	seed0, _ := b.Seed(0)
	loadedSeed0, ok := loaded.Seed(0)
	assert.True(ok)
	assert.Equal(seed0, loadedSeed0)

	// The open epoch keeps going after a restart.
	seed1, missing, err := b.Finalize(1)
	assert.Nil(err)
	loadedSeed1, loadedMissing, err := loaded.Finalize(1)
	assert.Nil(err)
	assert.Equal(seed1, loadedSeed1)
	assert.Equal(missing, loadedMissing)
}

func TestForkChoicePersistence(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	genesis := Hash{0xee}
	fc := NewForkChoice(genesis)
	inserts := []struct {
		hash, parent Hash
		slot, weight uint64
	}{
		{Hash{1}, genesis, 1, 10},
		{Hash{2}, Hash{1}, 2, 10},
		{Hash{3}, genesis, 2, 30},
		{Hash{4}, Hash{2}, 3, 5},
	}
	for _, in := range inserts {
		_, err := fc.Insert(in.hash, in.parent, 0, in.slot, IdentityFromSeed("a"), uint256.NewInt(in.weight))
		assert.Nil(err)
		b, _ := fc.Get(in.hash)
		assert.Nil(SaveBlock(db, b))
	}

	loaded, err := LoadForkChoice(db, genesis)
	assert.Nil(err)
	assert.Equal(fc.Len(), loaded.Len())
	assert.Equal(fc.Head(), loaded.Head())
	assert.Equal(Hash{3}, loaded.Head().Hash)

	_, err = db.Exec("update blocks set acc_weight = ? where hash = ?", make([]byte, 32), inserts[0].hash[:])
	assert.Nil(err)
	_, err = LoadForkChoice(db, genesis)
	assert.NotNil(err)
}

func TestDataStore(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	_, ok, err := FirstBeaconEpoch(db)
	assert.Nil(err)
	assert.False(ok)

	empty, err := LoadDataStore[ValidatorStore](db, validatorStoreKey)
	assert.Nil(err)
	assert.Empty(empty.Preimages)

	store := ValidatorStore{
		Identity:  IdentityFromSeed("a"),
		Preimages: []StoredPreimage{{Epoch: 3, Preimage: Hash{3}}},
	}
	assert.Nil(SaveDataStore(db, validatorStoreKey, store))
	assert.Nil(SaveDataStore(db, nodeStoreKey, NodeStore{LastSlot: 41}))

	loaded, err := LoadDataStore[ValidatorStore](db, validatorStoreKey)
	assert.Nil(err)
	assert.Equal(store, *loaded)
	p, ok := loaded.Preimage(3)
	assert.True(ok)
	assert.Equal(Hash{3}, p)
	_, ok = loaded.Preimage(4)
	assert.False(ok)

	node, err := LoadDataStore[NodeStore](db, nodeStoreKey)
	assert.Nil(err)
	assert.Equal(uint64(41), node.LastSlot)
	_, ok, err = NodeGenesisTime(db)
	assert.Nil(err)
	assert.False(ok)

	assert.Nil(SaveDataStore(db, nodeStoreKey, NodeStore{LastSlot: 41, GenesisTimeMillis: 1700000000000}))
	genesis, ok, err := NodeGenesisTime(db)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(int64(1700000000000), genesis.UnixMilli())
}

func TestSaveState(t *testing.T) {
	assert := assert.New(t)

	db, err := OpenDB(":memory:")
	assert.Nil(err)
	defer db.Close()

	e, ctx, ids := newTestEngine(t)
	_, err = e.AcceptProposal(ctx, BlockProposal{Witness: lead(t, e, ctx, ids[0], 1), Parent: GenesisBlockHash(e.Config())})
	assert.Nil(err)

	assert.Nil(e.View(ctx, func(v EngineView) error { return SaveState(db, v) }))

	registry, err := LoadRegistry(db)
	assert.Nil(err)
	assert.Equal(3, registry.Len())
	trust, err := LoadTrust(db, e.Config().Trust)
	assert.Nil(err)
	want, _ := e.TrustOf(ctx, ids[0])
	assert.Equal(want, trust.Get(ids[0]))
	snap, err := LoadSnapshot(db, 0)
	assert.Nil(err)
	assert.Equal(3, snap.Len())
	beacon, err := LoadBeacon(db, e.Config().GenesisSeed, 0)
	assert.Nil(err)
	_, ok := beacon.Seed(0)
	assert.True(ok)

	// a produced the only block of epoch 0.
	p, ok, err := LoadParticipation(db, 0)
	assert.Nil(err)
	assert.True(ok)
	i, _ := snap.IndexOf(ids[0])
	assert.Equal([]int{i}, p.Produced.Indices())
	assert.Equal(0, p.Excluded.Count())
	_, ok, err = LoadParticipation(db, 1)
	assert.Nil(err)
	assert.False(ok)
}
