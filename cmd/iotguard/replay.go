package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"iotguard/internal/ingest"
)

type replayLine struct {
	Line    int      `json:"line"`
	Kind    string   `json:"kind"`
	ActorID string   `json:"actor_id,omitempty"`
	Flags   string   `json:"flags"`
	Flagged []string `json:"flagged"`
	Alerts  int      `json:"alerts"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context(), os.Stderr, "text")
	if err != nil {
		return err
	}
	defer rt.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	out := json.NewEncoder(cmd.OutOrStdout())
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	lineNo, evaluated, flagged, skipped := 0, 0, 0, 0
	for scanner.Scan() {
		lineNo++
		ev, ok, err := ingest.DecodeLine(scanner.Text(), rt.cfg.Get())
		if err != nil {
			rt.logger.Warn("replay line skipped", "line", lineNo, "err", err)
			skipped++
			continue
		}
		if !ok {
			continue
		}
		verdict := rt.engine.Process(ev)
		evaluated++
		if verdict.Flags.Any() {
			flagged++
		} else if replayFlaggedOnly {
			continue
		}
		if err := out.Encode(replayLine{
			Line:    lineNo,
			Kind:    ev.Kind,
			ActorID: ev.ActorID,
			Flags:   verdict.Flags.String(),
			Flagged: verdict.Flags.Names(),
			Alerts:  len(verdict.Alerts),
		}); err != nil {
			return fmt.Errorf("write verdict: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	rt.logger.Info("replay finished", "evaluated", evaluated, "flagged", flagged, "skipped", skipped)
	return nil
}
