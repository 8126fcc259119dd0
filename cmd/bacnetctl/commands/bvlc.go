package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bacnet-go/bacnetcore/internal/config"
)

func bvlcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bvlc",
		Short: "Inspect BVLC broadcast-distribution table files",
	}
	cmd.AddCommand(bvlcBDTCmd())
	return cmd
}

func bvlcBDTCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bdt <file>",
		Short: "Parse and print a Broadcast Distribution Table file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			lines, err := config.ParseBDTFile(args[0])
			if err != nil {
				return fmt.Errorf("parse bdt file: %w", err)
			}

			out, err := formatBDT(lines, outputFormat)
			if err != nil {
				return fmt.Errorf("format bdt: %w", err)
			}
			fmt.Print(out)

			return nil
		},
	}
}

func formatBDT(lines []config.BDTLine, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatBDTJSON(lines)
	case formatTable:
		return formatBDTTable(lines), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFrameFormat, format)
	}
}

func formatBDTTable(lines []config.BDTLine) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tBROADCAST-MASK")
	for _, l := range lines {
		mask := "-"
		if l.Broadcast.IsValid() {
			mask = l.Broadcast.String()
		}
		fmt.Fprintf(w, "%s\t%s\n", l.Addr, mask)
	}
	_ = w.Flush()
	return buf.String()
}

type bdtLineView struct {
	Addr      string `json:"addr"`
	Broadcast string `json:"broadcast,omitempty"`
}

func formatBDTJSON(lines []config.BDTLine) (string, error) {
	views := make([]bdtLineView, 0, len(lines))
	for _, l := range lines {
		v := bdtLineView{Addr: l.Addr.String()}
		if l.Broadcast.IsValid() {
			v.Broadcast = l.Broadcast.String()
		}
		views = append(views, v)
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bdt to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
