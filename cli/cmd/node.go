package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/liamzebedee/tinytrust/core/zk"
	"github.com/liamzebedee/tinytrust/explorer"
	"github.com/urfave/cli/v2"
)

func validatorKey(keyHex string) (*core.Keypair, error) {
	if keyHex != "" {
		return core.KeypairFromHex(keyHex)
	}
	key, err := core.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Generated validator key %s\n", color.HiYellowString(key.PrivateKeyHex()))
	return key, nil
}

func RunNode(cmdCtx *cli.Context) error {
	port := cmdCtx.Int("port")
	dbPath := cmdCtx.String("db")

	conf, err := consensusConfig(cmdCtx)
	if err != nil {
		return err
	}
	key, err := validatorKey(cmdCtx.String("validator"))
	if err != nil {
		return err
	}

	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	registry, trust, err := loadState(db, conf, cmdCtx.String("genesis"))
	if err != nil {
		return err
	}
	if _, ok := registry.Get(pot.IdentityOf(key)); !ok {
		return fmt.Errorf("validator %s is not registered", pot.IdentityOf(key))
	}

	// Slot 0 starts at the network's genesis time, or at the first start of this node.
	genesis := time.UnixMilli(int64(conf.GenesisTimeMillis))
	if conf.GenesisTimeMillis == 0 {
		stored, ok, err := pot.NodeGenesisTime(db)
		if err != nil {
			return err
		}
		genesis = time.Now()
		if ok {
			genesis = stored
		}
	}
	clock := pot.NewSlotClock(genesis, time.Duration(conf.SlotDurationMillis)*time.Millisecond)

	opts := []pot.EngineOption{}
	if vkPath := cmdCtx.String("vk"); vkPath != "" {
		verifier, err := zk.LoadGroth16Verifier(vkPath)
		if err != nil {
			return err
		}
		opts = append(opts, pot.WithProofVerifier(verifier))
	}
	engine, err := restoreEngine(db, conf, registry, trust, conf.Schedule().EpochOf(clock.CurrentSlot()), opts...)
	if err != nil {
		return err
	}

	node, err := pot.NewNode(engine, clock, key, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle process signals.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("Shutting down...")
		cancel()
	}()

	go engine.Run(ctx)

	if port != 0 {
		expl := explorer.NewExplorerServer(engine, port)
		go func() {
			if err := expl.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "explorer: %s\n", err)
			}
		}()
	}

	fmt.Printf("Validator %s on %s\n", color.HiGreenString(node.Identity().String()), cmdCtx.String("network"))
	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
