package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/nodes"
)

func newFlowsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flows",
		Short: "List the flows in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()
			return printFlows(cmd.OutOrStdout(), a.catalog.List())
		},
	}
}

func newNodesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the registered node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()
			return printNodes(cmd.OutOrStdout(), a.nodes.Definitions())
		},
	}
}

func printFlows(w io.Writer, defs []*flows.Definition) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODES\tGATES\tNAME")
	for _, def := range defs {
		gates := 0
		for _, n := range def.Nodes {
			if n.RequiresConfirmation {
				gates++
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", def.ID, len(def.Nodes), gates, def.Name)
	}
	return tw.Flush()
}

func printNodes(w io.Writer, defs []nodes.NodeDefinition) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\n", def.ID, def.Description)
	}
	return tw.Flush()
}
