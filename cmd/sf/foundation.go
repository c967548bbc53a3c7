package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyforge/internal/app"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/repo"
)

func foundationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "foundation",
		Aliases: []string{"f"},
		Short:   "Manage story foundations",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a foundation at the genre stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			title, _ := cmd.Flags().GetString("title")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f, err := rt.Engine.CreateFoundation(ctx, engine.FoundationCreateOptions{
					ID:      id,
					Title:   title,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printFoundation(f)
			})
		},
	}
	create.Flags().String("id", "", "foundation id (default: generated)")
	create.Flags().String("title", "", "working title")

	list := &cobra.Command{
		Use:   "list",
		Short: "List foundations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListFoundations(ctx, limit, "", "")
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, f := range items {
					rows = append(rows, table.Row{f.ID, f.Title, f.CurrentStage, progress(f.Flags), f.UpdatedAt})
				}
				return printTable(items, table.Row{"ID", "Title", "Stage", "Progress", "Updated"}, rows)
			})
		},
	}
	list.Flags().Int("limit", 50, "maximum number of foundations")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a foundation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f, err := rt.Engine.GetFoundation(ctx, args[0])
				if err != nil {
					return err
				}
				return printFoundation(f)
			})
		},
	}

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update title, completion flags or stage sessions",
		Long: `Update a foundation. Completion flags can only be set, never cleared,
and the current stage is always recomputed from them.

  sf foundation update f1 --complete genre --complete environment
  sf foundation update f1 --session world=asst_thread_42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FoundationUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				title, _ := cmd.Flags().GetString("title")
				opts.Title = &title
			}
			completes, _ := cmd.Flags().GetStringSlice("complete")
			for _, raw := range completes {
				if err := setCompleteFlag(&opts, domain.Stage(strings.TrimSpace(raw))); err != nil {
					return err
				}
			}
			sessions, _ := cmd.Flags().GetStringToString("session")
			if len(sessions) > 0 {
				opts.Sessions = make(map[domain.Stage]string, len(sessions))
				for st, id := range sessions {
					opts.Sessions[domain.Stage(st)] = id
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f, err := rt.Engine.UpdateFoundation(ctx, opts)
				if err != nil {
					return err
				}
				return printFoundation(f)
			})
		},
	}
	update.Flags().String("title", "", "new title")
	update.Flags().StringSlice("complete", nil, "mark a stage complete (repeatable)")
	update.Flags().StringToString("session", nil, "set a stage session, stage=id (empty id clears)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a foundation and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteFoundation(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	stageCmd := &cobra.Command{
		Use:   "stage <id>",
		Short: "Show the active stage and the agent that handles it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				info, err := rt.Engine.Stage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "stage: %s (%d of %d)\n", info.Stage, info.Index+1, len(domain.Stages))
				fmt.Fprintf(out, "agent: %s\n", info.AgentID)
				if !info.Consistent {
					fmt.Fprintln(out, "warning: completion flags are out of order")
				}
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, show, update, del, stageCmd)
	return cmd
}

func setCompleteFlag(opts *engine.FoundationUpdateOptions, st domain.Stage) error {
	yes := true
	switch st {
	case domain.StageGenre:
		opts.GenreCompleted = &yes
	case domain.StageEnvironment:
		opts.EnvironmentCompleted = &yes
	case domain.StageWorld:
		opts.WorldCompleted = &yes
	case domain.StageCharacter:
		opts.CharactersCompleted = &yes
	default:
		return &domain.ValidationError{Field: "complete", Reason: fmt.Sprintf("unknown stage %q", st)}
	}
	return nil
}

// progress renders the flags as a check per stage, e.g. "✓✓··".
func progress(flags domain.Flags) string {
	var sb strings.Builder
	for _, st := range domain.Stages {
		if flags.Completed(st) {
			sb.WriteString("✓")
		} else {
			sb.WriteString("·")
		}
	}
	return sb.String()
}

func printFoundation(f domain.Foundation) error {
	rows := []table.Row{
		{"id", f.ID},
		{"title", f.Title},
		{"current stage", f.CurrentStage},
	}
	for _, st := range domain.Stages {
		rows = append(rows, table.Row{string(st) + " completed", f.Flags.Completed(st)})
	}
	for _, st := range domain.Stages {
		if id := f.Sessions.For(st); id != "" {
			rows = append(rows, table.Row{string(st) + " session", id})
		}
	}
	rows = append(rows, table.Row{"created", f.CreatedAt}, table.Row{"updated", f.UpdatedAt})
	return printTable(f, table.Row{"Field", "Value"}, rows)
}

func messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "Read or append to a foundation's transcript",
	}

	list := &cobra.Command{
		Use:   "list <foundation-id>",
		Short: "List stored messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				msgs, err := rt.Engine.ListMessages(ctx, args[0], limit, 0)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(msgs))
				for _, m := range msgs {
					rows = append(rows, table.Row{m.CreatedAt, m.Role, truncate(m.Content, 80)})
				}
				return printTable(msgs, table.Row{"Created", "Role", "Content"}, rows)
			})
		},
	}
	list.Flags().Int("limit", 0, "maximum number of messages (0 = all)")

	post := &cobra.Command{
		Use:   "post <foundation-id> <content>",
		Short: "Append a message without running the agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.AppendMessage(ctx, args[0], domain.Role(role), args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s message %s\n", m.Role, m.ID)
				return nil
			})
		},
	}
	post.Flags().String("role", string(domain.RoleUser), "message role (user, assistant)")

	cmd.AddCommand(list, post)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			foundationID, _ := cmd.Flags().GetString("foundation")
			eventType, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evs, err := rt.Engine.ListEvents(ctx, repo.EventFilters{FoundationID: foundationID, Type: eventType, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(evs))
				for _, ev := range evs {
					rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.FoundationID, ev.ActorID, truncate(ev.Payload, 60)})
				}
				return printTable(evs, table.Row{"ID", "TS", "Type", "Foundation", "Actor", "Payload"}, rows)
			})
		},
	}
	tail.Flags().String("foundation", "", "only events of this foundation")
	tail.Flags().String("type", "", "only events of this type, e.g. foundation.stage_changed")
	tail.Flags().IntP("limit", "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}
