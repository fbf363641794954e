package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/locklease/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion bool
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the locklease version",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case asYAML:
				data, err := yaml.Marshal(version.Get())
				if err != nil {
					return fmt.Errorf("encode version: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case onlyVersion:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the build description as YAML")
	return cmd
}
