package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgerhart/siemflux/internal/collectors"
	"github.com/sgerhart/siemflux/internal/normalize"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Normalize raw log lines read from stdin",
	Long: `Read one record per line from stdin and print the normalized entry as a
JSON line. Lines starting with '{' are decoded as raw log entries; anything
else is parsed as a syslog line. Rejected lines are reported on stderr.`,
	Args: cobra.NoArgs,
	RunE: runNormalize,
}

func runNormalize(cmd *cobra.Command, args []string) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 4096), collectors.MaxLineBytes)
	enc := json.NewEncoder(cmd.OutOrStdout())

	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		raw, err := collectors.DecodeRawLog(scanner.Bytes(), time.Now().UTC())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
			continue
		}
		if err := enc.Encode(normalize.Normalize(raw)); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	return nil
}
