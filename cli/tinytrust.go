package main

import (
	"log"
	"os"

	"github.com/liamzebedee/tinytrust/cli/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	networkFlag := &cli.StringFlag{
		Name:  "network",
		Usage: "The network whose consensus parameters to use (testnet1, devnet)",
		Value: "testnet1",
	}
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "A JSON file overriding the network's consensus parameters",
	}
	genesisFlag := &cli.StringFlag{
		Name:  "genesis",
		Usage: "The genesis validator set (JSON)",
	}

	app := &cli.App{
		Name:                 "tinytrust",
		Usage:                "a proof-of-trust validator election node",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:   "node",
				Usage:  "runs a validator node",
				Action: cmd.RunNode,
				Flags: []cli.Flag{
					networkFlag,
					configFlag,
					genesisFlag,
					&cli.StringFlag{
						Name:  "db",
						Usage: "The path to the node database",
						Value: "tinytrust.db",
					},
					&cli.StringFlag{
						Name:    "validator",
						Usage:   "The validator's private key (hex). A fresh key is generated if empty",
						EnvVars: []string{"TINYTRUST_VALIDATOR_KEY"},
					},
					&cli.StringFlag{
						Name:  "vk",
						Usage: "A Groth16 verification key, enabling zero-knowledge eligibility proofs",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "The port to serve the explorer API on (0 disables it)",
						Value: 8080,
					},
				},
			},
			{
				Name:   "explorer",
				Usage:  "serves the explorer API over a node database, without running consensus",
				Action: cmd.RunExplorer,
				Flags: []cli.Flag{
					networkFlag,
					configFlag,
					&cli.StringFlag{
						Name:  "db",
						Usage: "The path to the node database",
						Value: "tinytrust.db",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "The port to serve on",
						Value: 8080,
					},
				},
			},
			{
				Name:   "simulate",
				Usage:  "runs a deterministic multi-validator simulation and prints the outcome",
				Action: cmd.RunSimulate,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "network",
						Usage: "The network whose consensus parameters to use",
						Value: "devnet",
					},
					configFlag,
					&cli.StringFlag{
						Name:  "validators",
						Usage: "The genesis validator set to simulate (JSON). Defaults to three sample validators",
					},
					&cli.Uint64Flag{
						Name:  "epochs",
						Usage: "The number of epochs to run",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  "seed",
						Usage: "Seed for the validators' beacon secrets",
						Value: "tinytrust",
					},
				},
			},
			{
				Name:   "snapshot",
				Usage:  "builds the weight snapshot of a genesis validator set",
				Action: cmd.RunSnapshot,
				Flags: []cli.Flag{
					networkFlag,
					configFlag,
					&cli.StringFlag{
						Name:     "genesis",
						Usage:    "The genesis validator set (JSON)",
						Required: true,
					},
					&cli.Uint64Flag{
						Name:  "epoch",
						Usage: "The epoch to label the snapshot with",
					},
					&cli.StringFlag{
						Name:  "witness",
						Usage: "Also print the inclusion proof of this identity",
					},
				},
			},
			{
				Name:   "commitment",
				Usage:  "computes a beacon commitment",
				Action: cmd.RunCommitment,
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:     "epoch",
						Usage:    "The epoch the commitment is for",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "identity",
						Usage:    "The committing validator's identity (hex)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "preimage",
						Usage: "The 32-byte secret (hex). A random one is generated if empty",
					},
				},
			},
			{
				Name:   "keygen",
				Usage:  "generates a validator key",
				Action: cmd.RunKeygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
