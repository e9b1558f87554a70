package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fatih/color"
	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/urfave/cli/v2"
)

func RunCommitment(cmdCtx *cli.Context) error {
	epoch := cmdCtx.Uint64("epoch")
	id, err := pot.ParseIdentity(cmdCtx.String("identity"))
	if err != nil {
		return err
	}

	var preimage [32]byte
	if s := cmdCtx.String("preimage"); s != "" {
		h, err := pot.ParseHash(s)
		if err != nil {
			return fmt.Errorf("invalid preimage: %w", err)
		}
		preimage = h
	} else if _, err := rand.Read(preimage[:]); err != nil {
		return err
	}

	fmt.Printf("epoch:      %d\n", epoch)
	fmt.Printf("identity:   %s\n", id)
	fmt.Printf("preimage:   %s\n", color.HiYellowString(hex.EncodeToString(preimage[:])))
	fmt.Printf("commitment: %s\n", color.HiCyanString(pot.CommitmentFor(epoch, id, preimage).String()))
	return nil
}

func RunKeygen(cmdCtx *cli.Context) error {
	key, err := core.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Printf("private key: %s\n", color.HiYellowString(key.PrivateKeyHex()))
	fmt.Printf("public key:  %s\n", key.PublicKeyHex())
	fmt.Printf("identity:    %s\n", color.HiGreenString(pot.IdentityOf(key).String()))
	return nil
}
