package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/runtime"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configPath, listSessions)
		},
	}
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's messages and parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configPath, func(ctx context.Context, store conversation.Store) error {
				return showSession(ctx, store, args[0])
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func withStore(ctx context.Context, configPath string, fn func(context.Context, conversation.Store) error) error {
	cfg := runtime.DefaultConfig()
	if configPath != "" {
		loaded, err := runtime.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func listSessions(ctx context.Context, store conversation.Store) error {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODEL\tUPDATED")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, title, s.Model, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showSession(ctx context.Context, store conversation.Store, id string) error {
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s (model %s)\n", sess.ID, sess.Model)
	if sess.Title != "" {
		fmt.Printf("Title: %s\n", sess.Title)
	}

	messages, err := store.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		fmt.Printf("\n[%s] %s (%s)\n", msg.Role, msg.ID, msg.Status)
		steps, err := store.ListSteps(ctx, msg.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if len(steps) > 1 {
				fmt.Printf("  step %d (%s, %s)\n", step.Index, step.Status, step.FinishReason)
			}
			parts, err := store.ListParts(ctx, step.ID)
			if err != nil {
				return err
			}
			for _, p := range parts {
				printPart(p)
			}
		}
		if usage, err := store.MessageUsage(ctx, msg.ID); err == nil && usage.Total() > 0 {
			fmt.Printf("  tokens: %d in / %d out\n", usage.InputTokens, usage.OutputTokens)
		}
	}
	return nil
}

func printPart(p conversation.Part) {
	switch p.Kind {
	case conversation.PartText:
		fmt.Printf("  %s\n", p.Text)
	case conversation.PartReasoning:
		fmt.Printf("  (reasoning: %d chars)\n", len(p.Text))
	case conversation.PartTool:
		fmt.Printf("  [tool %s %s] -> %s\n", p.ToolName, p.CallID, summarize(p.Output, p.ErrMessage))
	case conversation.PartFile, conversation.PartFileRef:
		fmt.Printf("  [file %s %s]\n", p.FileName, p.MediaType)
	case conversation.PartSystemMessage:
		fmt.Printf("  [system] %s\n", p.Text)
	case conversation.PartError:
		fmt.Printf("  [error] %s\n", p.Text)
	}
}

func summarize(output, errMessage string) string {
	if errMessage != "" {
		return "error: " + errMessage
	}
	if len(output) > 80 {
		return output[:77] + "..."
	}
	if output == "" {
		return "(no output)"
	}
	return output
}
