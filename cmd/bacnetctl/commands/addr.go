package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bacnet-go/bacnetcore/internal/bacaddr"
)

var errUnknownMedium = errors.New("unknown medium, expected mstp, 8022, vmac, ipv4 or ipv6")

func addrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addr",
		Short: "Parse and normalize BACnet link-layer addresses",
	}
	cmd.AddCommand(addrParseCmd())
	return cmd
}

func addrParseCmd() *cobra.Command {
	var medium string

	cmd := &cobra.Command{
		Use:   "parse <address>",
		Short: "Parse an address string for the given medium and print the resulting MAC bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mac, err := parseByMedium(medium, args[0])
			if err != nil {
				return err
			}

			addr := bacaddr.Local(mac)
			fmt.Println(addr.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&medium, "medium", "mstp", "address medium: mstp, 8022, vmac, ipv4, ipv6")

	return cmd
}

func parseByMedium(medium, s string) ([]byte, error) {
	switch medium {
	case "mstp":
		return bacaddr.ParseMSTP(s)
	case "8022":
		return bacaddr.Parse8022(s)
	case "vmac":
		return bacaddr.ParseVMAC(s)
	case "ipv4":
		return bacaddr.ParseIPv4(s)
	case "ipv6":
		return bacaddr.ParseIPv6(s)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMedium, medium)
	}
}
