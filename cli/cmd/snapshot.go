package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/urfave/cli/v2"
)

type snapshotOutput struct {
	Header  pot.SnapshotHeader `json:"header"`
	Entries []snapshotRow      `json:"entries"`
	Witness *pot.MerkleWitness `json:"witness,omitempty"`
}

type snapshotRow struct {
	pot.SnapshotEntry
	NormalizedWeight core.Q `json:"normalized_weight"`
}

// RunSnapshot prints the snapshot a genesis validator set commits to, and optionally one validator's inclusion
// proof against it.
func RunSnapshot(cmdCtx *cli.Context) error {
	conf, err := consensusConfig(cmdCtx)
	if err != nil {
		return err
	}
	validators, err := pot.LoadGenesis(cmdCtx.String("genesis"))
	if err != nil {
		return err
	}

	registry := pot.NewRegistry()
	trust := pot.NewTrustState(conf.Trust)
	pot.ApplyGenesis(validators, registry, trust)
	snap := pot.BuildSnapshot(cmdCtx.Uint64("epoch"), registry, trust, conf.Trust, conf.MinBond)

	out := snapshotOutput{Header: snap.Header()}
	for _, entry := range snap.Entries() {
		out.Entries = append(out.Entries, snapshotRow{
			SnapshotEntry:    entry,
			NormalizedWeight: snap.NormalizedWeight(entry.Identity),
		})
	}

	if idStr := cmdCtx.String("witness"); idStr != "" {
		id, err := pot.ParseIdentity(idStr)
		if err != nil {
			return err
		}
		w, ok := snap.BuildWitness(id)
		if !ok {
			return fmt.Errorf("%s is not in the snapshot", id)
		}
		out.Witness = w
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
