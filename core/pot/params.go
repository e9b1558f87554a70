package pot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/liamzebedee/tinytrust/core"
)

var ErrInvalidConfig = errors.New("invalid consensus config")

type ConsensusConfig struct {
	// The length of an epoch in slots.
	EpochLengthSlots uint64 `json:"epoch_length_slots"`

	// The target duration of one slot.
	SlotDurationMillis uint64 `json:"slot_duration_millis"`

	// Unix time of slot 0, in milliseconds. Zero means the node's start time.
	GenesisTimeMillis uint64 `json:"genesis_time_millis"`

	// Within each epoch, commitments for the next epoch's beacon are accepted during
	// [0, CommitWindowSlots) and reveals during [CommitWindowSlots, RevealDeadlineSlots).
	CommitWindowSlots   uint64 `json:"commit_window_slots"`
	RevealDeadlineSlots uint64 `json:"reveal_deadline_slots"`

	// Sortition aggressiveness: the expected fraction of total weight that wins each slot.
	Lambda core.Q `json:"lambda"`

	// Minimum bonded stake to be part of a snapshot.
	MinBond uint64 `json:"min_bond"`

	Trust    TrustParams    `json:"trust"`
	Slashing SlashingConfig `json:"slashing"`

	// Seed of the first epoch's beacon.
	GenesisSeed Hash `json:"genesis_seed"`
}

func (c ConsensusConfig) Validate() error {
	if c.EpochLengthSlots == 0 {
		return fmt.Errorf("%w: epoch_length_slots must be positive", ErrInvalidConfig)
	}
	if c.SlotDurationMillis == 0 {
		return fmt.Errorf("%w: slot_duration_millis must be positive", ErrInvalidConfig)
	}
	if c.CommitWindowSlots == 0 || c.RevealDeadlineSlots <= c.CommitWindowSlots || c.EpochLengthSlots < c.RevealDeadlineSlots {
		return fmt.Errorf("%w: need 0 < commit_window_slots (%d) < reveal_deadline_slots (%d) <= epoch_length_slots (%d)",
			ErrInvalidConfig, c.CommitWindowSlots, c.RevealDeadlineSlots, c.EpochLengthSlots)
	}
	if c.Lambda == 0 {
		return fmt.Errorf("%w: lambda must be positive", ErrInvalidConfig)
	}
	if err := c.Trust.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := c.Slashing.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}

func (c ConsensusConfig) SortitionParams() SortitionParams {
	return SortitionParams{Lambda: c.Lambda, MinBond: c.MinBond, EpochLengthSlots: c.EpochLengthSlots}
}

func (c ConsensusConfig) Schedule() Schedule {
	return Schedule{
		EpochLengthSlots:    c.EpochLengthSlots,
		CommitWindowSlots:   c.CommitWindowSlots,
		RevealDeadlineSlots: c.RevealDeadlineSlots,
	}
}

// Schedule maps slots onto epochs and beacon phases.
//
// The beacon for epoch N is committed and revealed while epoch N-1 runs, and is finalized once epoch N-1's reveal
// deadline passes, so that it is available for every slot of epoch N.
type Schedule struct {
	EpochLengthSlots    uint64
	CommitWindowSlots   uint64
	RevealDeadlineSlots uint64
}

func (s Schedule) EpochOf(slot uint64) uint64 {
	if s.EpochLengthSlots == 0 {
		return 0
	}
	return slot / s.EpochLengthSlots
}

// EpochStart returns the first slot of epoch, saturating.
func (s Schedule) EpochStart(epoch uint64) uint64 {
	return core.MulDiv(epoch, s.EpochLengthSlots, 1)
}

// Offset returns the position of slot within its epoch.
func (s Schedule) Offset(slot uint64) uint64 {
	return slot - s.EpochStart(s.EpochOf(slot))
}

// BeaconTarget is the epoch whose beacon is being committed and revealed during slot.
func (s Schedule) BeaconTarget(slot uint64) uint64 {
	return s.EpochOf(slot) + 1
}

func (s Schedule) CommitOpen(slot uint64) bool {
	return s.Offset(slot) < s.CommitWindowSlots
}

func (s Schedule) RevealOpen(slot uint64) bool {
	off := s.Offset(slot)
	return s.CommitWindowSlots <= off && off < s.RevealDeadlineSlots
}

// RevealDeadlinePassed reports whether, at slot, the reveal window for epoch's beacon has closed. Identities that
// committed but did not reveal by then are no-reveals. The caller finalizes.
func (s Schedule) RevealDeadlinePassed(epoch, slot uint64) bool {
	if epoch == 0 {
		return true
	}
	return slot >= s.EpochStart(epoch-1)+s.RevealDeadlineSlots
}

// A unique instance of the network.
type Network struct {
	Name            string
	ConsensusConfig ConsensusConfig
}

func GetNetworks() map[string]Network {
	trust := TrustParams{
		Alpha:   core.QFromBasisPoints(9900),
		Beta:    core.QFromBasisPoints(100),
		Initial: core.QFromBasisPoints(1000),
	}

	testnet1 := Network{
		Name: "testnet1",
		ConsensusConfig: ConsensusConfig{
			EpochLengthSlots:    32,
			SlotDurationMillis:  2000,
			CommitWindowSlots:   12,
			RevealDeadlineSlots: 24,
			Lambda:              core.ONE,
			MinBond:             1000,
			Trust:               trust,
			Slashing:            DefaultSlashingConfig,
			GenesisSeed:         Hash(core.Hash([]byte("tinytrust testnet1"))),
		},
	}

	devnet := Network{
		Name: "devnet",
		ConsensusConfig: ConsensusConfig{
			EpochLengthSlots:    8,
			SlotDurationMillis:  500,
			CommitWindowSlots:   3,
			RevealDeadlineSlots: 6,
			Lambda:              core.ONE,
			MinBond:             1,
			Trust:               trust,
			Slashing:            DefaultSlashingConfig,
			GenesisSeed:         Hash(core.Hash([]byte("tinytrust devnet"))),
		},
	}

	return map[string]Network{
		"testnet1": testnet1,
		"devnet":   devnet,
	}
}

// LoadConsensusConfig overlays the JSON file at path onto base and validates the result.
func LoadConsensusConfig(path string, base ConsensusConfig) (ConsensusConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ConsensusConfig{}, fmt.Errorf("error reading consensus config: %w", err)
	}
	conf := base
	if err := json.Unmarshal(buf, &conf); err != nil {
		return ConsensusConfig{}, fmt.Errorf("error parsing consensus config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return ConsensusConfig{}, err
	}
	return conf, nil
}

// A GenesisValidator is one row of the genesis validator set.
type GenesisValidator struct {
	Identity Identity `json:"identity"`
	Stake    uint64   `json:"stake"`
	Inactive bool     `json:"inactive,omitempty"`

	// Overrides the configured initial trust.
	Trust *core.Q `json:"trust,omitempty"`
}

type GenesisFile struct {
	Validators []GenesisValidator `json:"validators"`
}

func LoadGenesis(path string) ([]GenesisValidator, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading genesis: %w", err)
	}
	var file GenesisFile
	if err := json.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("error parsing genesis %s: %w", path, err)
	}
	seen := make(map[Identity]bool)
	for _, v := range file.Validators {
		if seen[v.Identity] {
			return nil, fmt.Errorf("genesis %s: duplicate validator %s", path, v.Identity)
		}
		seen[v.Identity] = true
		if v.Trust != nil && *v.Trust > core.ONE {
			return nil, fmt.Errorf("genesis %s: validator %s trust %s exceeds 1.0", path, v.Identity, *v.Trust)
		}
	}
	return file.Validators, nil
}

// ApplyGenesis loads the genesis validator set into a fresh registry and trust state.
func ApplyGenesis(validators []GenesisValidator, registry *Registry, trust *TrustState) {
	for _, v := range validators {
		registry.Set(v.Identity, v.Stake, !v.Inactive)
		if v.Trust != nil {
			trust.Set(v.Identity, *v.Trust)
		}
	}
}
