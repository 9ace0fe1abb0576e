package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorenzotomasdiez/roundtable/internal/output"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

func newSynthesizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Regenerate insights and takeaways from a saved transcript",
		RunE:  runSynthesize,
	}
	cmd.Flags().String("transcript", "", "transcript.json written by simulate (required)")
	cmd.Flags().String("session", "", "Session YAML the transcript was produced from (required)")
	cmd.MarkFlagRequired("transcript")
	cmd.MarkFlagRequired("session")
	return cmd
}

func runSynthesize(cmd *cobra.Command, args []string) error {
	transcriptPath, _ := cmd.Flags().GetString("transcript")
	sessionPath, _ := cmd.Flags().GetString("session")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sess, err := loadSession(sessionPath)
	if err != nil {
		return err
	}
	conv, err := loadTranscript(transcriptPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", cfg.Backend, err)
	}
	prompts, err := loadPrompts(cfg.Tuning)
	if err != nil {
		return err
	}
	t := cfg.Tuning
	insightSynth := synthesis.NewInsightSynthesizer(b.gen, prompts, t.PromptVersion, cfg.Model, t.SynthesisConcurrency)
	takeawaySynth := synthesis.NewTakeawaysSynthesizer(b.gen, prompts, t.PromptVersion, cfg.Model)

	report := output.Report{
		Session:      sess,
		Conversation: conv,
		Summaries:    synthesis.Summarize(conv, sess.Personas),
	}
	var takeaways synthesis.Takeaways
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report.Insights, err = insightSynth.SynthesizeAll(gctx, conv, sess, report.Summaries)
		return err
	})
	g.Go(func() error {
		var err error
		takeaways, err = takeawaySynth.Synthesize(gctx, conv, sess, report.Summaries)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}
	report.Takeaways = &takeaways

	writer := output.NewWriter(filepath.Dir(transcriptPath))
	if err := writer.WriteInsights(report.Insights); err != nil {
		return fmt.Errorf("writing insights: %w", err)
	}
	if err := writer.WriteTakeaways(takeaways); err != nil {
		return fmt.Errorf("writing takeaways: %w", err)
	}
	if err := writer.WriteMarkdown(report); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}

	output.PrintSummaries(report.Summaries)
	fmt.Println()
	output.PrintTakeaways(takeaways)
	fmt.Printf("\nSynthesis complete. Output saved to: %s\n", writer.Dir())
	return nil
}

// loadTranscript reads a completed conversation and checks its ledger
// before anything is synthesized from it.
func loadTranscript(path string) (roundtable.Conversation, error) {
	conv, err := output.ReadTranscript(path)
	if err != nil {
		return roundtable.Conversation{}, err
	}
	if !conv.Completed() {
		return roundtable.Conversation{}, fmt.Errorf("transcript %s is not a completed conversation (state %s)", path, conv.State)
	}
	ledger, err := roundtable.Restore(conv)
	if err != nil {
		return roundtable.Conversation{}, fmt.Errorf("transcript %s: %w", path, err)
	}
	return ledger.Snapshot(), nil
}
