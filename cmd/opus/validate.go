package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opuskit/opus/internal/piece"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "validate <piece.yaml>",
		Short:        "Validate a piece definition",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := piece.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d movements, ok\n", p.Name, len(p.Movements))
			return nil
		},
	}
}
