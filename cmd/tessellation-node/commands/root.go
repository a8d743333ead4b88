// Package commands implements the tessellation-node reference binary's
// cobra command tree: flag parsing, peer-spec parsing, and the concrete
// wiring of gossip.Daemon + consensus.Manager this module's core needs
// to actually run.
//
// Configuration loading, keystore I/O, and metrics backends proper are
// external collaborators (spec.md §1); this package supplies only the
// minimal concrete versions needed to drive the core without a separate
// integration (a flag-parsed peer list, an in-memory ed25519 or
// bls-minsig key selected by --scheme, and a slog-backed metrics sink).
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the tessellation-node root command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tessellation-node",
		Short:         "Gossip and epoch-consensus coordination node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newKeygenCommand())

	return root
}

func newKeygenCommand() *cobra.Command {
	var scheme string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and print its hex seed and peer id",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _, id, err := generateKeyForScheme(signatureScheme(scheme))
			if err != nil {
				return fmt.Errorf("tessellation-node: generate key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seed: %x\npeer-id: %s\n", seed, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", string(schemeEd25519), `signature scheme: "ed25519" or "bls-minsig"`)
	return cmd
}
