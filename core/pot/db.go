package pot

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/holiman/uint256"
	"github.com/liamzebedee/tinytrust/core"
	_ "github.com/mattn/go-sqlite3"
)

var dbLogger = core.NewLogger("pot", "db")

func dbGetVersion(db *sql.DB) (int, error) {
	row := db.QueryRow("SELECT version FROM tinytrust_version ORDER BY version DESC LIMIT 1")
	if err := row.Err(); err != nil {
		return -1, fmt.Errorf("error checking database version: %w", err)
	}

	databaseVersion := -1
	if err := row.Scan(&databaseVersion); err != nil && err != sql.ErrNoRows {
		return -1, fmt.Errorf("error checking database version: %w", err)
	}
	return databaseVersion, nil
}

func dbMigrate(db *sql.DB, migrationIndex int, migrateFn func(tx *sql.Tx) error) error {
	version, err := dbGetVersion(db)
	if err != nil {
		return err
	}

	// Skip migration if the database is already at the target version.
	if migrationIndex <= version {
		return nil
	}

	dbLogger.Printf("Running migration: %d\n", migrationIndex)
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := migrateFn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec("insert into tinytrust_version (version) values (?)", migrationIndex); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type schemaStmt struct {
	name string
	sql  string
}

func execAll(tx *sql.Tx, stmts []schemaStmt) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt.sql); err != nil {
			return fmt.Errorf("error creating '%s': %w", stmt.name, err)
		}
	}
	return nil
}

// OpenDB opens (or creates) the node's sqlite database and brings its schema up to date.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("create table if not exists tinytrust_version (version int)"); err != nil {
		return nil, fmt.Errorf("error checking database version: %w", err)
	}
	databaseVersion, err := dbGetVersion(db)
	if err != nil {
		return nil, err
	}
	dbLogger.Printf("Database version: %d\n", databaseVersion)

	// Migration: v0.
	err = dbMigrate(db, 0, func(tx *sql.Tx) error {
		return execAll(tx, []schemaStmt{
			{"registry", `create table registry (
				identity blob primary key,
				stake blob,
				active integer
			)`},
			{"trust", `create table trust (
				identity blob primary key,
				value integer
			)`},
			{"snapshots", `create table snapshots (
				epoch integer primary key,
				weights_root blob,
				sum_weights blob,
				count integer
			)`},
			{"snapshot_entries", `create table snapshot_entries (
				epoch integer,
				idx integer,
				identity blob,
				stake_fraction integer,
				trust integer,
				primary key (epoch, idx),
				foreign key (epoch) references snapshots (epoch)
			)`},
			{"randao_epochs", `create table randao_epochs (
				epoch integer primary key,
				finalized integer,
				seed blob
			)`},
			{"randao_commitments", `create table randao_commitments (
				epoch integer,
				identity blob,
				commitment blob,
				primary key (epoch, identity)
			)`},
			{"randao_reveals", `create table randao_reveals (
				epoch integer,
				identity blob,
				preimage blob,
				primary key (epoch, identity)
			)`},
		})
	})
	if err != nil {
		return nil, err
	}

	err = dbMigrate(db, 1, func(tx *sql.Tx) error {
		return execAll(tx, []schemaStmt{
			{"blocks", `create table blocks (
				hash blob primary key,
				parent_hash blob,
				epoch integer,
				slot integer,
				height integer,
				leader blob,
				tie_break blob,
				acc_weight blob
			)`},
			{"blocks_parent_hash", `create index idx_blocks_parent_hash on blocks (parent_hash)`},
		})
	})
	if err != nil {
		return nil, err
	}

	err = dbMigrate(db, 2, func(tx *sql.Tx) error {
		// Use k,v instead of key,value to avoid reserved word conflicts.
		_, err := tx.Exec(`create table datastores (k TEXT PRIMARY KEY, v blob)`)
		if err != nil {
			return fmt.Errorf("error creating 'datastores' table: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = dbMigrate(db, 3, func(tx *sql.Tx) error {
		return execAll(tx, []schemaStmt{
			{"participation", `create table participation (
				epoch integer primary key,
				produced blob,
				excluded blob
			)`},
		})
	})
	if err != nil {
		return nil, err
	}

	return db, nil
}

func scanHash(buf []byte) (Hash, error) {
	var h Hash
	if len(buf) != len(h) {
		return h, fmt.Errorf("expected %d byte hash, got %d", len(h), len(buf))
	}
	copy(h[:], buf)
	return h, nil
}

func scanUint64(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("expected 8 byte integer, got %d", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

// inTx runs fn inside a transaction, committing if it succeeds.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func SaveRegistry(db *sql.DB, r *Registry) error {
	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("delete from registry"); err != nil {
			return err
		}
		for _, e := range r.Entries() {
			_, err := tx.Exec("insert into registry (identity, stake, active) values (?, ?, ?)", e.Identity[:], core.Uint64Bytes(e.Stake), e.Active)
			if err != nil {
				return fmt.Errorf("error saving registry entry %s: %w", e.Identity.Short(), err)
			}
		}
		return nil
	})
}

func LoadRegistry(db *sql.DB) (*Registry, error) {
	rows, err := db.Query("select identity, stake, active from registry")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := NewRegistry()
	for rows.Next() {
		var (
			idBuf, stakeBuf []byte
			active          bool
		)
		if err := rows.Scan(&idBuf, &stakeBuf, &active); err != nil {
			return nil, err
		}
		id, err := scanHash(idBuf)
		if err != nil {
			return nil, fmt.Errorf("registry identity: %w", err)
		}
		stake, err := scanUint64(stakeBuf)
		if err != nil {
			return nil, fmt.Errorf("registry stake: %w", err)
		}
		r.Set(Identity(id), stake, active)
	}
	return r, rows.Err()
}

func SaveTrust(db *sql.DB, t *TrustState) error {
	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("delete from trust"); err != nil {
			return err
		}
		for _, id := range t.Identities() {
			// Stored trust is clamped to [0, 1], so it fits a signed integer.
			if _, err := tx.Exec("insert into trust (identity, value) values (?, ?)", id[:], int64(t.Get(id))); err != nil {
				return fmt.Errorf("error saving trust %s: %w", id.Short(), err)
			}
		}
		return nil
	})
}

func LoadTrust(db *sql.DB, params TrustParams) (*TrustState, error) {
	rows, err := db.Query("select identity, value from trust")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := NewTrustState(params)
	for rows.Next() {
		var (
			idBuf []byte
			value int64
		)
		if err := rows.Scan(&idBuf, &value); err != nil {
			return nil, err
		}
		id, err := scanHash(idBuf)
		if err != nil {
			return nil, fmt.Errorf("trust identity: %w", err)
		}
		if value < 0 {
			return nil, fmt.Errorf("trust %s: negative value %d", Identity(id).Short(), value)
		}
		t.Set(Identity(id), core.Q(value))
	}
	return t, rows.Err()
}

func SaveSnapshot(db *sql.DB, s *EpochSnapshot) error {
	h := s.Header()
	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("delete from snapshot_entries where epoch = ?", h.Epoch); err != nil {
			return err
		}
		_, err := tx.Exec(
			"insert into snapshots (epoch, weights_root, sum_weights, count) values (?, ?, ?, ?) on conflict(epoch) do update set weights_root = excluded.weights_root, sum_weights = excluded.sum_weights, count = excluded.count",
			h.Epoch, h.Root[:], h.SumWeights.Bytes(), h.Count,
		)
		if err != nil {
			return fmt.Errorf("error saving snapshot %d: %w", h.Epoch, err)
		}
		for i, e := range s.Entries() {
			_, err := tx.Exec(
				"insert into snapshot_entries (epoch, idx, identity, stake_fraction, trust) values (?, ?, ?, ?, ?)",
				h.Epoch, i, e.Identity[:], int64(e.StakeFraction), int64(e.Trust),
			)
			if err != nil {
				return fmt.Errorf("error saving snapshot %d entry %d: %w", h.Epoch, i, err)
			}
		}
		return nil
	})
}

// LoadSnapshot reads a snapshot back and re-derives its root, failing if the stored entries no longer match it.
func LoadSnapshot(db *sql.DB, epoch uint64) (*EpochSnapshot, error) {
	var rootBuf []byte
	if err := db.QueryRow("select weights_root from snapshots where epoch = ?", epoch).Scan(&rootBuf); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w %d", ErrNoSnapshot, epoch)
		}
		return nil, err
	}
	root, err := scanHash(rootBuf)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d root: %w", epoch, err)
	}

	rows, err := db.Query("select identity, stake_fraction, trust from snapshot_entries where epoch = ? order by idx asc", epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []SnapshotEntry{}
	for rows.Next() {
		var (
			idBuf        []byte
			stake, trust int64
		)
		if err := rows.Scan(&idBuf, &stake, &trust); err != nil {
			return nil, err
		}
		id, err := scanHash(idBuf)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d identity: %w", epoch, err)
		}
		entries = append(entries, SnapshotEntry{Identity: Identity(id), StakeFraction: core.Q(stake), Trust: core.Q(trust)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return RestoreSnapshot(epoch, entries, root)
}

// LoadRecentSnapshots loads up to n of the latest persisted snapshots, oldest first.
func LoadRecentSnapshots(db *sql.DB, n int) ([]*EpochSnapshot, error) {
	rows, err := db.Query("select epoch from snapshots order by epoch desc limit ?", n)
	if err != nil {
		return nil, err
	}
	epochs := []uint64{}
	for rows.Next() {
		var epoch uint64
		if err := rows.Scan(&epoch); err != nil {
			rows.Close()
			return nil, err
		}
		epochs = append(epochs, epoch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snaps := make([]*EpochSnapshot, len(epochs))
	for i, epoch := range epochs {
		snap, err := LoadSnapshot(db, epoch)
		if err != nil {
			return nil, err
		}
		snaps[len(epochs)-1-i] = snap
	}
	return snaps, nil
}

func SaveBeaconEpoch(db *sql.DB, s *RandaoEpochState) error {
	seed, finalized := s.Seed()
	return inTx(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"insert into randao_epochs (epoch, finalized, seed) values (?, ?, ?) on conflict(epoch) do update set finalized = excluded.finalized, seed = excluded.seed",
			s.Epoch, finalized, seed[:],
		)
		if err != nil {
			return fmt.Errorf("error saving beacon epoch %d: %w", s.Epoch, err)
		}
		for id, c := range s.Commitments() {
			_, err := tx.Exec("insert or ignore into randao_commitments (epoch, identity, commitment) values (?, ?, ?)", s.Epoch, id[:], c[:])
			if err != nil {
				return err
			}
		}
		for id, p := range s.Reveals() {
			_, err := tx.Exec("insert or ignore into randao_reveals (epoch, identity, preimage) values (?, ?, ?)", s.Epoch, id[:], p[:])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func loadHashPairs(db *sql.DB, query string, epoch uint64) (map[Identity]Hash, error) {
	rows, err := db.Query(query, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Identity]Hash)
	for rows.Next() {
		var idBuf, vBuf []byte
		if err := rows.Scan(&idBuf, &vBuf); err != nil {
			return nil, err
		}
		id, err := scanHash(idBuf)
		if err != nil {
			return nil, err
		}
		v, err := scanHash(vBuf)
		if err != nil {
			return nil, err
		}
		out[Identity(id)] = v
	}
	return out, rows.Err()
}

// FirstBeaconEpoch returns the earliest persisted beacon epoch, and false for a fresh database.
func FirstBeaconEpoch(db *sql.DB) (uint64, bool, error) {
	var epoch sql.NullInt64
	if err := db.QueryRow("select min(epoch) from randao_epochs").Scan(&epoch); err != nil {
		return 0, false, err
	}
	if !epoch.Valid || epoch.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(epoch.Int64), true, nil
}

// LoadBeacon rebuilds the beacon from every persisted epoch. Reveals are re-verified against their commitments.
func LoadBeacon(db *sql.DB, genesisSeed Hash, firstEpoch uint64) (*Beacon, error) {
	type epochRow struct {
		epoch     uint64
		finalized bool
		seed      Hash
	}

	rows, err := db.Query("select epoch, finalized, seed from randao_epochs order by epoch asc")
	if err != nil {
		return nil, err
	}
	epochs := []epochRow{}
	for rows.Next() {
		var (
			r       epochRow
			seedBuf []byte
		)
		if err := rows.Scan(&r.epoch, &r.finalized, &seedBuf); err != nil {
			rows.Close()
			return nil, err
		}
		if r.seed, err = scanHash(seedBuf); err != nil {
			rows.Close()
			return nil, fmt.Errorf("beacon epoch %d seed: %w", r.epoch, err)
		}
		epochs = append(epochs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	b := NewBeacon(genesisSeed, firstEpoch)
	for _, r := range epochs {
		commitments, err := loadHashPairs(db, "select identity, commitment from randao_commitments where epoch = ?", r.epoch)
		if err != nil {
			return nil, err
		}
		revealHashes, err := loadHashPairs(db, "select identity, preimage from randao_reveals where epoch = ?", r.epoch)
		if err != nil {
			return nil, err
		}
		reveals := make(map[Identity][32]byte, len(revealHashes))
		for id, p := range revealHashes {
			reveals[id] = p
		}
		s, err := RestoreRandaoEpochState(r.epoch, commitments, reveals, r.finalized, r.seed)
		if err != nil {
			return nil, err
		}
		b.Restore(s)
	}
	dbLogger.Printf("beacon loaded epochs=%d\n", len(epochs))
	return b, nil
}

func SaveBlock(db *sql.DB, b BlockRef) error {
	tieBreak := b.TieBreak.Bytes32()
	accWeight := b.AccWeight.Bytes32()
	_, err := db.Exec(
		"insert or ignore into blocks (hash, parent_hash, epoch, slot, height, leader, tie_break, acc_weight) values (?, ?, ?, ?, ?, ?, ?, ?)",
		b.Hash[:], b.Parent[:], b.Epoch, b.Slot, b.Height, b.Leader[:], tieBreak[:], accWeight[:],
	)
	if err != nil {
		return fmt.Errorf("error saving block %s: %w", b.Hash, err)
	}
	return nil
}

// LoadForkChoice replays stored blocks in height order, checking that every recomputed accumulated weight matches
// the stored one.
func LoadForkChoice(db *sql.DB, genesis Hash) (*ForkChoice, error) {
	rows, err := db.Query("select hash, parent_hash, epoch, slot, leader, tie_break, acc_weight from blocks order by height asc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fc := NewForkChoice(genesis)
	for rows.Next() {
		var (
			hashBuf, parentBuf, leaderBuf, tieBuf, accBuf []byte
			epoch, slot                                   uint64
		)
		if err := rows.Scan(&hashBuf, &parentBuf, &epoch, &slot, &leaderBuf, &tieBuf, &accBuf); err != nil {
			return nil, err
		}
		hash, err := scanHash(hashBuf)
		if err != nil {
			return nil, err
		}
		parent, err := scanHash(parentBuf)
		if err != nil {
			return nil, err
		}
		leader, err := scanHash(leaderBuf)
		if err != nil {
			return nil, err
		}
		if len(tieBuf) != 32 || len(accBuf) != 32 {
			return nil, fmt.Errorf("block %s: malformed weights", hash)
		}
		tieBreak := new(uint256.Int).SetBytes32(tieBuf)
		if _, err := fc.Insert(hash, parent, epoch, slot, Identity(leader), tieBreak); err != nil {
			return nil, err
		}
		b, _ := fc.Get(hash)
		if !b.AccWeight.Eq(new(uint256.Int).SetBytes32(accBuf)) {
			return nil, fmt.Errorf("block %s: accumulated weight mismatch", hash)
		}
	}
	return fc, rows.Err()
}

// SaveState persists the engine's registry, trust, beacon and retained snapshots. Blocks are saved as they are
// accepted.
func SaveState(db *sql.DB, v EngineView) error {
	if err := SaveRegistry(db, v.Registry); err != nil {
		return err
	}
	if err := SaveTrust(db, v.Trust); err != nil {
		return err
	}
	for _, epoch := range v.Beacon.Epochs() {
		s, _ := v.Beacon.Lookup(epoch)
		if err := SaveBeaconEpoch(db, s); err != nil {
			return err
		}
	}
	for _, s := range v.Snapshots {
		if err := SaveSnapshot(db, s); err != nil {
			return err
		}
	}
	for epoch, p := range v.Participation {
		if err := SaveParticipation(db, epoch, p); err != nil {
			return err
		}
	}
	return nil
}

func SaveParticipation(db *sql.DB, epoch uint64, p Participation) error {
	_, err := db.Exec(
		"insert into participation (epoch, produced, excluded) values (?, ?, ?) on conflict(epoch) do update set produced = excluded.produced, excluded = excluded.excluded",
		epoch, p.Produced.Bytes(), p.Excluded.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("error saving participation %d: %w", epoch, err)
	}
	return nil
}

// LoadParticipation returns the persisted participation of an epoch, and false if none was saved.
func LoadParticipation(db *sql.DB, epoch uint64) (Participation, bool, error) {
	var produced, excluded []byte
	err := db.QueryRow("select produced, excluded from participation where epoch = ?", epoch).Scan(&produced, &excluded)
	if err == sql.ErrNoRows {
		return Participation{}, false, nil
	}
	if err != nil {
		return Participation{}, false, err
	}
	return Participation{
		Produced: core.NewBitsetFromBuffer(produced),
		Excluded: core.NewBitsetFromBuffer(excluded),
	}, true, nil
}

// DataStore is a generic interface for reading/writing node-local data to the database. Stores are kept under a
// unique key, JSON encoded.
type DataStore interface {
	ValidatorStore | NodeStore
}

// ValidatorStore holds the local validator's beacon secrets, so that it can still reveal after a restart.
type ValidatorStore struct {
	Identity  Identity         `json:"identity"`
	Preimages []StoredPreimage `json:"preimages"`
}

type StoredPreimage struct {
	Epoch    uint64 `json:"epoch"`
	Preimage Hash   `json:"preimage"`
}

// Preimage returns the stored secret for epoch.
func (s *ValidatorStore) Preimage(epoch uint64) (Hash, bool) {
	for _, p := range s.Preimages {
		if p.Epoch == epoch {
			return p.Preimage, true
		}
	}
	return Hash{}, false
}

type NodeStore struct {
	LastSlot uint64 `json:"lastSlot"`

	// The genesis time the node's clock was started with, when the network does not fix one.
	GenesisTimeMillis uint64 `json:"genesisTimeMillis,omitempty"`
}

// NodeGenesisTime returns the genesis time recorded by a previous run, if any.
func NodeGenesisTime(db *sql.DB) (time.Time, bool, error) {
	store, err := LoadDataStore[NodeStore](db, nodeStoreKey)
	if err != nil {
		return time.Time{}, false, err
	}
	if store.GenesisTimeMillis == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(store.GenesisTimeMillis)), true, nil
}

// Load a data store from the database by key.
func LoadDataStore[T DataStore](db *sql.DB, key string) (*T, error) {
	buf := []byte("{}")
	err := db.QueryRow("SELECT v FROM datastores WHERE k = ?", key).Scan(&buf)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	var store T
	if err := json.Unmarshal(buf, &store); err != nil {
		return nil, err
	}

	dbLogger.Printf("store name=%s loaded\n", color.HiYellowString(key))
	return &store, nil
}

// Persist a data store to the database under the given key.
func SaveDataStore[T DataStore](db *sql.DB, key string, value T) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = db.Exec("INSERT INTO datastores (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v", key, buf)
	if err != nil {
		return err
	}

	dbLogger.Printf("store name=%s saved\n", color.HiYellowString(key))
	return nil
}
