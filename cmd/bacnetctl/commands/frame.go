package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bacnet-go/bacnetcore/internal/mstp"
)

var errUnsupportedFrameFormat = errors.New("unsupported output format")

func frameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Encode or decode MS/TP frames",
	}

	cmd.AddCommand(frameEncodeCmd())
	cmd.AddCommand(frameDecodeCmd())

	return cmd
}

// --- frame encode ---

func frameEncodeCmd() *cobra.Command {
	var (
		frameType uint8
		dest      uint8
		src       uint8
		dataHex   string
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a standard (non-extended) MS/TP frame to hex",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := decodeHexArg(dataHex)
			if err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}

			f := mstp.Frame{Type: frameType, Destination: dest, Source: src, Data: data}
			buf := make([]byte, f.WireLen())
			n, err := mstp.MarshalFrame(f, buf)
			if err != nil {
				return fmt.Errorf("marshal frame: %w", err)
			}

			fmt.Println(hex.EncodeToString(buf[:n]))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint8Var(&frameType, "type", mstp.FrameDataNotExpectingReply, "frame type octet")
	flags.Uint8Var(&dest, "dest", mstp.StationBroadcast, "destination station address")
	flags.Uint8Var(&src, "src", 0, "source station address")
	flags.StringVar(&dataHex, "data", "", "payload as a hex string, e.g. aabbcc")

	return cmd
}

func decodeHexArg(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// --- frame decode ---

func frameDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex-bytes>",
		Short: "Decode a hex-encoded octet stream, reporting every frame the receive FSM recovers",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
			if err != nil {
				return fmt.Errorf("parse hex argument: %w", err)
			}

			frames, invalidCount := decodeFrames(raw)

			out, err := formatFrames(frames, invalidCount, outputFormat)
			if err != nil {
				return fmt.Errorf("format frames: %w", err)
			}
			fmt.Print(out)

			return nil
		},
	}
}

// decodeFrames feeds raw octets through a ReceiveFSM and collects every
// validated frame, counting aborted/invalid frames along the way.
func decodeFrames(raw []byte) ([]mstp.Frame, int) {
	rx := mstp.NewReceiveFSM(mstp.MaxExtDataLength)
	var frames []mstp.Frame
	invalid := 0

	for _, b := range raw {
		rx.Step(b)
		if rx.ReceivedValidFrame {
			frames = append(frames, rx.Frame())
			rx.ClearFlags()
		}
		if rx.ReceivedInvalidFrame {
			invalid++
			rx.ClearFlags()
		}
	}

	return frames, invalid
}

func formatFrames(frames []mstp.Frame, invalid int, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatFramesJSON(frames, invalid)
	case formatTable:
		return formatFramesTable(frames, invalid), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFrameFormat, format)
	}
}

func formatFramesTable(frames []mstp.Frame, invalid int) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDEST\tSRC\tLEN\tDATA")

	for _, f := range frames {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			frameTypeName(f.Type), f.Destination, f.Source, len(f.Data), hex.EncodeToString(f.Data))
	}

	_ = w.Flush()
	if invalid > 0 {
		fmt.Fprintf(&buf, "(%d frame(s) failed CRC validation and were dropped)\n", invalid)
	}
	return buf.String()
}

type frameView struct {
	Type        string `json:"type"`
	Destination uint8  `json:"destination"`
	Source      uint8  `json:"source"`
	DataHex     string `json:"data_hex"`
}

func formatFramesJSON(frames []mstp.Frame, invalid int) (string, error) {
	views := make([]frameView, 0, len(frames))
	for _, f := range frames {
		views = append(views, frameView{
			Type:        frameTypeName(f.Type),
			Destination: f.Destination,
			Source:      f.Source,
			DataHex:     hex.EncodeToString(f.Data),
		})
	}

	out := struct {
		Frames       []frameView `json:"frames"`
		InvalidCount int         `json:"invalid_count"`
	}{Frames: views, InvalidCount: invalid}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal frames to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func frameTypeName(t uint8) string {
	switch t {
	case mstp.FrameToken:
		return "Token"
	case mstp.FramePollForMaster:
		return "PollForMaster"
	case mstp.FrameReplyToPFM:
		return "ReplyToPFM"
	case mstp.FrameTestRequest:
		return "TestRequest"
	case mstp.FrameTestResponse:
		return "TestResponse"
	case mstp.FrameDataExpectingReply:
		return "DataExpectingReply"
	case mstp.FrameDataNotExpectingReply:
		return "DataNotExpectingReply"
	case mstp.FrameReplyPostponed:
		return "ReplyPostponed"
	default:
		return "Type" + strconv.Itoa(int(t))
	}
}
