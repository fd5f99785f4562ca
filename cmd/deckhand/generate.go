package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/core"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
	"github.com/deckhand-ai/deckhand/internal/fetch"
	"github.com/deckhand-ai/deckhand/internal/store"
)

func generateCMD() *cobra.Command {
	var (
		goal      string
		objective string
		slides    int
		refs      []string
		outPath   string
		cfgPath   string
	)

	var generate = &cobra.Command{
		Use:   "generate",
		Short: "Generate one deck without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(goal) == "" {
				return fmt.Errorf("--goal is required")
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			kv, err := store.Open(cfg.Storage, nil)
			if err != nil {
				return err
			}
			defer kv.Close()

			llm, err := core.NewLLMCapability(cfg.LLM)
			if err != nil {
				return err
			}
			speech, err := core.NewSpeechCapability(cfg.Speech, cfg.Server.MediaDir)
			if err != nil {
				return err
			}
			media, err := core.NewMediaCapability(cfg.Media, llm, cfg.Server.MediaDir)
			if err != nil {
				return err
			}
			if llm == nil {
				fmt.Println(color.YellowString("no LLM provider configured, using deterministic fallbacks"))
			}

			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()
			orch := core.NewOrchestrator(cfg, kv, tele, llm, media, speech, fetch.New(cfg.Research))

			now := time.Now()
			run := core.Run{
				ID:             uuid.NewString(),
				LearningGoal:   goal,
				Objective:      objective,
				SlideCountHint: slides,
				ReferenceURLs:  refs,
				Status:         core.RunQueued,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			ctx := cmd.Context()
			if err := orch.Runs().Put(ctx, run); err != nil {
				return err
			}

			tailCtx, stopTail := context.WithCancel(ctx)
			defer stopTail()
			go tailEvents(tailCtx, orch.Store(run.ID))

			fmt.Println(color.CyanString("generating deck for %q", goal))
			deck, err := orch.Execute(ctx, run)
			stopTail()
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			fmt.Println(color.GreenString("done: %d slides in %s", len(deck.Slides), time.Since(now).Round(time.Second)))

			data, err := json.MarshalIndent(deck, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", outPath)
			return nil
		},
	}
	generate.Flags().StringVar(&goal, "goal", "", "learning goal to build a deck for")
	generate.Flags().StringVar(&objective, "objective", "", "optional audience or framing note")
	generate.Flags().IntVar(&slides, "slides", 0, "requested slide count (0 = let the planner decide)")
	generate.Flags().StringSliceVar(&refs, "ref", nil, "reference URL to ground research on (repeatable)")
	generate.Flags().StringVar(&outPath, "out", "deck.json", "output file for the assembled deck")
	generate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return generate
}

// tailEvents polls the run's event log and prints pipeline progress until
// the context is cancelled.
func tailEvents(ctx context.Context, ts *core.TaskStore) {
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		events, err := ts.Events.After(ctx, last)
		if err != nil {
			continue
		}
		for _, ev := range events {
			last = ev.Seq
			switch ev.Type {
			case core.EventPlannerPhase:
				fmt.Println(color.CyanString("  phase %v (iteration %v)", ev.Payload["phase"], ev.Payload["iteration"]))
			case core.EventSlideCreated:
				fmt.Printf("  slide %v: %v\n", ev.Payload["slide_number"], ev.Payload["title"])
			case core.EventVisualAdded:
				fmt.Printf("  visual on slide %v\n", ev.Payload["slide_number"])
			case core.EventVoiceReady:
				fmt.Printf("  narration on slide %v\n", ev.Payload["slide_number"])
			}
		}
	}
}
