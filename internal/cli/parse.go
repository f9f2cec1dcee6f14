package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/co2-monitor/internal/protocol"
)

// parseResult is one line of parse command output.
type parseResult struct {
	Line        string   `json:"line"`
	Outcome     string   `json:"outcome"`
	CO2         *int     `json:"co2,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Segment     string   `json:"segment,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [line...]",
		Short: "Parse sensor lines and print the outcome as JSON",
		Long: `Parse runs each argument (or, with no arguments, each line of stdin) through
the same parser the service uses and prints one JSON object per line.

Example:
  co2monitor parse "Time: 12s | CO2: 512 ppm | Temp: 23.4C | Humidity: 41.2%"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(line string) error {
				line = strings.TrimSpace(line)
				if line == "" {
					return nil
				}
				return enc.Encode(classify(line))
			}

			if len(args) > 0 {
				for _, line := range args {
					if err := emit(line); err != nil {
						return err
					}
				}
				return nil
			}
			return scanLines(cmd.InOrStdin(), emit)
		},
	}
}

func scanLines(r io.Reader, fn func(string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func classify(line string) parseResult {
	res := parseResult{Line: line}
	if !utf8.ValidString(line) {
		res.Outcome = "rejected"
		res.Segment = protocol.SegmentLine
		res.Reason = "invalid UTF-8"
		return res
	}
	reading, err := protocol.Parse(line)
	if err == nil {
		res.Outcome = "accepted"
		res.CO2 = &reading.CO2
		res.Temperature = &reading.Temperature
		res.Humidity = &reading.Humidity
		return res
	}
	if errors.Is(err, protocol.ErrNoise) {
		res.Outcome = "noise"
		return res
	}
	res.Outcome = "rejected"
	res.Reason = err.Error()
	var rej *protocol.RejectionError
	if errors.As(err, &rej) {
		res.Segment = rej.Segment
		res.Reason = rej.Reason
	}
	return res
}
