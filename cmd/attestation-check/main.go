// Command attestation-check verifies a saved attestation record against the
// verifier's public key, offline.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"auditor-zk/attestation"
	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/spf13/cobra"
)

type checkFlags struct {
	attestationPath string
	publicKey       string
	publicKeyFile   string
	digest          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &checkFlags{}
	cmd := &cobra.Command{
		Use:           "attestation-check",
		Short:         "Verify an attestation record offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := check(cmd, flags)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "INVALID: %v\n", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flags.attestationPath, "attestation", attestation.DefaultOutputPath, "attestation record to check")
	cmd.Flags().StringVar(&flags.publicKey, "pubkey", "", "verifier public key, hex")
	cmd.Flags().StringVar(&flags.publicKeyFile, "pubkey-file", "", "file holding the verifier public key in hex")
	cmd.Flags().StringVar(&flags.digest, "digest", "", "expected commitment digest, hex")
	return cmd
}

func check(cmd *cobra.Command, flags *checkFlags) error {
	encoded := flags.publicKey
	if encoded == "" && flags.publicKeyFile != "" {
		raw, err := os.ReadFile(flags.publicKeyFile)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}
	if encoded == "" {
		return errors.New("one of --pubkey or --pubkey-file is required")
	}
	pub, err := shared.ParsePublicKey(encoded)
	if err != nil {
		return err
	}

	record, err := attestation.LoadFile(flags.attestationPath)
	if err != nil {
		return err
	}

	if flags.digest != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(flags.digest), "0x"))
		if err != nil {
			return fmt.Errorf("digest is not hex: %v", err)
		}
		digest, err := commitment.DigestFromBytes(raw)
		if err != nil {
			return err
		}
		if err := attestation.Err(attestation.VerifyCommitment(record, pub, digest)); err != nil {
			return err
		}
	} else if err := attestation.Err(attestation.VerifyAttestation(record, pub)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "VALID")
	fmt.Fprintf(out, "signer:     %s\n", record.SignerKeyID)
	fmt.Fprintf(out, "issued at:  %s\n", record.IssuedAt().Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(out, "commitment: %s\n", record.CommitmentDigest.String())
	if record.ServerIdentity != "" {
		fmt.Fprintf(out, "server:     %s\n", record.ServerIdentity)
	}
	fmt.Fprintf(out, "revealed:   %d sent / %d received bytes\n",
		commitment.TotalLen(record.RevealedRanges.Sent), commitment.TotalLen(record.RevealedRanges.Recv))
	return nil
}
