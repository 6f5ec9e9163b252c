package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"eric_assistant/internal/api"
	"eric_assistant/internal/app"
	"eric_assistant/internal/dialogue"
	"eric_assistant/pkg"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the reminder websocket",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to Eric on the terminal until EOF",
	RunE:  runChat,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List incomplete events in the next seven days",
	RunE:  runEvents,
}

var emotionsCmd = &cobra.Command{
	Use:   "emotions",
	Short: "Show the emotion pattern of the last seven days",
	RunE:  runEmotions,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a JSON snapshot of memories, events and emotions",
	RunE:  runExport,
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}

	opts := []api.Option{api.WithLogger(log)}
	if a.Gate != nil {
		opts = append(opts, api.WithVerifier(a.Gate))
	}
	if stdin, _ := cmd.Flags().GetBool("listen-stdin"); stdin {
		listener := newConsoleListener(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		opts = append(opts, api.WithListening(dialogue.NewCommandLoop(listener, a.Engine, dialogue.WithLoopLogger(log))))
	}
	return api.NewServer(a.Engine, opts...).Run(ctx, cfg.HTTP.Addr)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	speaker := newConsoleSpeaker(out)
	a, err := app.New(ctx, cfg, app.WithLogger(log), app.WithSpeaker(speaker))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}

	loop := dialogue.NewCommandLoop(newConsoleListener(ctx, cmd.InOrStdin(), out), a.Engine,
		dialogue.WithLoopLogger(log),
		dialogue.WithResultHandler(func(res pkg.ProcessResult) {
			log.Debug().
				Str("intent", res.Intent).
				Float64("intent_confidence", res.IntentConfidence).
				Str("emotion", res.Emotion).
				Bool("error", res.Error).
				Msg("utterance processed")
		}),
	)
	if err := loop.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Eric is listening. Press Ctrl-D to leave.")
	loop.Wait()
	return nil
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.Engine.UpcomingEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No upcoming events.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTITLE\tREMINDER\tID")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.EventDate.Format("Mon Jan 2 15:04"), e.Title, e.ReminderDate.Format("Mon Jan 2 15:04"), e.ID)
	}
	return w.Flush()
}

func runEmotions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	pattern, err := a.Engine.EmotionPattern(ctx)
	if err != nil {
		return err
	}
	if len(pattern) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No emotions recorded this week.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tAVG CONFIDENCE\tSAMPLES")
	for _, s := range pattern {
		fmt.Fprintf(w, "%s\t%.2f\t%d\n", s.Emotion, s.AvgConfidence, s.Count)
	}
	return w.Flush()
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	path, snap, err := a.Export(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d memories and %d events to %s\n",
		snap.Stats.TotalMemories, snap.Stats.TotalEvents, path)
	return nil
}
