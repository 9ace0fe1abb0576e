package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorenzotomasdiez/roundtable/internal/output"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/simulation"
	"github.com/lorenzotomasdiez/roundtable/internal/store"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one deliberation for a session file and write the results",
		RunE:  runSimulate,
	}
	cmd.Flags().String("session", "", "Session YAML file with the argument and persona panel (required)")
	cmd.Flags().String("name", "", "Override output folder name (default: auto-slug from argument)")
	cmd.Flags().Bool("rotate-models", false, "Give each persona a different free OpenRouter model")
	cmd.Flags().Bool("skip-synthesis", false, "Do not generate persona insights and takeaways")
	cmd.MarkFlagRequired("session")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	sessionPath, _ := cmd.Flags().GetString("session")
	name, _ := cmd.Flags().GetString("name")
	rotate, _ := cmd.Flags().GetBool("rotate-models")
	skipSynthesis, _ := cmd.Flags().GetBool("skip-synthesis")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sess, err := loadSession(sessionPath)
	if err != nil {
		return err
	}

	// Setup context with Ctrl+C cancellation
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", cfg.Backend, err)
	}
	if rotate {
		sess = rotateModels(ctx, b, sess)
	}
	prompts, err := loadPrompts(cfg.Tuning)
	if err != nil {
		return err
	}

	slug := name
	if slug == "" {
		slug = output.GenerateSlug(sess.Argument)
	}
	outDir, err := output.CreateOutputDir(cfg.OutputDir, slug)
	if err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	writer := output.NewWriter(outDir)

	fmt.Printf("Argument: %s\n", sess.Argument)
	fmt.Printf("Personas: %d | Max rounds: %d | Backend: %s | Output: %s\n\n", len(sess.Personas), cfg.Tuning.MaxRounds, cfg.Backend, outDir)

	svc := simulation.New(simulation.Options{
		Generator: b.gen,
		Prompts:   prompts,
		Store:     store.NewMemory(),
		Tuning:    cfg.Tuning,
		Model:     cfg.Model,
		Hooks: simulation.Hooks{
			OnStatement: func(_ string, st roundtable.Statement) {
				output.PrintStatement(st)
				writer.Log(fmt.Sprintf("[Round %d #%d] %s: %s | points: %s | dissent=%v position=%.2f",
					st.Round, st.SequenceNumber, st.PersonaName, st.Content, strings.Join(st.KeyPoints, "; "), st.IsDissent, st.Position))
			},
			OnSkip: func(_ string, skip roundtable.SkippedTurn) {
				output.PrintSkip(skip)
				writer.Log(fmt.Sprintf("[Round %d] %s skipped: %s", skip.Round, skip.PersonaID, skip.Reason))
			},
			OnRound: func(_ string, round int, v roundtable.Verdict) {
				output.PrintRound(round, v)
				writer.Log(fmt.Sprintf("Round %d complete: converged=%v reason=%s", round, v.Converged, v.Reason))
			},
		},
	})

	sessID, err := svc.CreateSession(ctx, sess)
	if err != nil {
		return err
	}
	convID, err := svc.StartConversation(ctx, sessID)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		svc.CancelConversation(context.Background(), convID)
	}()

	// Results are written even after Ctrl+C, so the rest runs detached from it.
	bg := context.WithoutCancel(ctx)
	conv, err := svc.AwaitConversation(bg, convID)
	if err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	sess.ID = sessID

	report := output.Report{Session: sess, Conversation: conv}
	if report.Summaries, err = svc.GetSummaries(bg, convID); err != nil {
		return err
	}
	if err := writer.WriteJSON(conv); err != nil {
		return fmt.Errorf("writing JSON: %w", err)
	}

	if !skipSynthesis && ctx.Err() == nil && len(conv.Statements) > 0 {
		fmt.Println("\nSynthesizing persona insights and takeaways...")
		var takeaways synthesis.Takeaways
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			report.Insights, err = svc.GetPersonaInsights(gctx, convID)
			return err
		})
		g.Go(func() error {
			var err error
			takeaways, err = svc.GetTakeaways(gctx, convID)
			return err
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("synthesis: %w", err)
		}
		report.Takeaways = &takeaways
		if err := writer.WriteInsights(report.Insights); err != nil {
			return fmt.Errorf("writing insights: %w", err)
		}
		if err := writer.WriteTakeaways(takeaways); err != nil {
			return fmt.Errorf("writing takeaways: %w", err)
		}
	}

	if err := writer.WriteMarkdown(report); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}
	writer.Log("Outcome: " + synthesis.Outcome(conv))
	if err := writer.WriteLog(); err != nil {
		return fmt.Errorf("writing log: %w", err)
	}

	fmt.Println()
	output.PrintOutcome(conv)
	output.PrintSummaries(report.Summaries)
	if report.Takeaways != nil {
		fmt.Println()
		output.PrintTakeaways(*report.Takeaways)
	}
	fmt.Printf("\nDeliberation complete. Output saved to: %s\n", outDir)
	return nil
}
