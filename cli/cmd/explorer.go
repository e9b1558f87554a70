package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/liamzebedee/tinytrust/explorer"
	"github.com/urfave/cli/v2"
)

// RunExplorer serves the state last persisted by a node.
func RunExplorer(cmdCtx *cli.Context) error {
	port := cmdCtx.Int("port")
	dbPath := cmdCtx.String("db")

	conf, err := consensusConfig(cmdCtx)
	if err != nil {
		return err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	registry, trust, err := loadState(db, conf, "")
	if err != nil {
		return err
	}
	engine, err := restoreEngine(db, conf, registry, trust, 0)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// Handle process signals.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c

		fmt.Println("Shutting down...")

		os.Exit(1)
	}()

	// Setup explorer.
	expl := explorer.NewExplorerServer(engine, port)
	return expl.Start()
}
