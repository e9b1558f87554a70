package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func sampleValidators() []pot.GenesisValidator {
	trust := func(bps uint64) *core.Q {
		q := core.QFromBasisPoints(bps)
		return &q
	}
	return []pot.GenesisValidator{
		{Identity: pot.IdentityFromSeed("alice"), Stake: 1_000_000, Trust: trust(8500)},
		{Identity: pot.IdentityFromSeed("bob"), Stake: 1_500_000, Trust: trust(6000)},
		{Identity: pot.IdentityFromSeed("carol"), Stake: 700_000, Trust: trust(10000)},
	}
}

func RunSimulate(cmdCtx *cli.Context) error {
	epochs := cmdCtx.Uint64("epochs")
	seed := cmdCtx.String("seed")

	conf, err := consensusConfig(cmdCtx)
	if err != nil {
		return err
	}
	validators := sampleValidators()
	if path := cmdCtx.String("validators"); path != "" {
		if validators, err = pot.LoadGenesis(path); err != nil {
			return err
		}
	}

	res, err := pot.Simulate(context.Background(), conf, validators, epochs, seed)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	p.Printf("Simulated %d epochs, %d slots: %d empty, %d contested\n", epochs, res.Slots, res.EmptySlots, res.ContestedSlots)
	p.Printf("Head %s height=%d weight=%s\n\n", color.HiCyanString(res.Head.Hash.String()[:16]), res.Head.Height, res.Head.AccWeight.Dec())

	p.Printf("%-10s %16s %10s %8s %8s\n", "validator", "stake", "trust", "blocks", "share")
	for _, id := range res.Leaders() {
		share := 0.0
		if res.Slots > 0 {
			share = 100 * float64(res.Blocks[id]) / float64(res.Slots)
		}
		p.Printf("%-10s %16d %10s %8d %7.2f%%\n", id.Short(), res.Stake[id], res.Trust[id], res.Blocks[id], share)
	}
	fmt.Println()
	return nil
}
