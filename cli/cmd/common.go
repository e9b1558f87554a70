package cmd

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/urfave/cli/v2"
)

// consensusConfig resolves the --network preset and overlays the optional --config file onto it.
func consensusConfig(cmdCtx *cli.Context) (pot.ConsensusConfig, error) {
	networkName := cmdCtx.String("network")
	networks := pot.GetNetworks()
	network, ok := networks[networkName]
	if !ok {
		names := make([]string, 0, len(networks))
		for name := range networks {
			names = append(names, name)
		}
		sort.Strings(names)
		return pot.ConsensusConfig{}, fmt.Errorf("unknown network %q, must be one of (%s)", networkName, strings.Join(names, ", "))
	}

	conf := network.ConsensusConfig
	if path := cmdCtx.String("config"); path != "" {
		var err error
		if conf, err = pot.LoadConsensusConfig(path, conf); err != nil {
			return pot.ConsensusConfig{}, err
		}
	}
	return conf, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := pot.OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// loadState restores the registry and trust state from db. An empty registry is seeded from the genesis file.
func loadState(db *sql.DB, conf pot.ConsensusConfig, genesisPath string) (*pot.Registry, *pot.TrustState, error) {
	registry, err := pot.LoadRegistry(db)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading registry: %w", err)
	}
	trust, err := pot.LoadTrust(db, conf.Trust)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading trust: %w", err)
	}
	if registry.Len() > 0 {
		return registry, trust, nil
	}
	if genesisPath == "" {
		return nil, nil, fmt.Errorf("database has no validators, a --genesis file is required")
	}

	validators, err := pot.LoadGenesis(genesisPath)
	if err != nil {
		return nil, nil, err
	}
	pot.ApplyGenesis(validators, registry, trust)
	if err := pot.SaveRegistry(db, registry); err != nil {
		return nil, nil, err
	}
	if err := pot.SaveTrust(db, trust); err != nil {
		return nil, nil, err
	}
	return registry, trust, nil
}

// restoreEngine rebuilds an engine from everything persisted in db. firstEpoch is used for a database with no
// beacon history.
func restoreEngine(db *sql.DB, conf pot.ConsensusConfig, registry *pot.Registry, trust *pot.TrustState, firstEpoch uint64, opts ...pot.EngineOption) (*pot.Engine, error) {
	if persisted, ok, err := pot.FirstBeaconEpoch(db); err != nil {
		return nil, err
	} else if ok {
		firstEpoch = persisted
	}
	beacon, err := pot.LoadBeacon(db, conf.GenesisSeed, firstEpoch)
	if err != nil {
		return nil, fmt.Errorf("error loading beacon: %w", err)
	}
	fc, err := pot.LoadForkChoice(db, pot.GenesisBlockHash(conf))
	if err != nil {
		return nil, fmt.Errorf("error loading fork choice: %w", err)
	}
	snaps, err := pot.LoadRecentSnapshots(db, pot.SnapshotHistory)
	if err != nil {
		return nil, fmt.Errorf("error loading snapshots: %w", err)
	}
	participation := make(map[uint64]pot.Participation)
	for _, snap := range snaps {
		p, ok, err := pot.LoadParticipation(db, snap.Epoch())
		if err != nil {
			return nil, fmt.Errorf("error loading participation: %w", err)
		}
		if ok {
			participation[snap.Epoch()] = p
		}
	}
	opts = append([]pot.EngineOption{pot.WithForkChoice(fc), pot.WithSnapshots(snaps, participation)}, opts...)
	return pot.NewEngine(conf, registry, trust, beacon, opts...), nil
}
