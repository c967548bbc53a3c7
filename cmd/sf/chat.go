package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storyforge/internal/app"
	"storyforge/internal/conversation"
	"storyforge/internal/persist"
	"storyforge/internal/remote"
	"storyforge/internal/transcript"
	storyforgesdk "storyforge/sdk/go"
)

// flushTimeout bounds how long chat waits for queued messages on exit.
const flushTimeout = 10 * time.Second

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <foundation-id>",
		Short: "Talk to the agent of the foundation's active stage",
		Long: `Talk to the agent of the foundation's active stage.

Without --message an interactive session starts. Commands inside it:
  /switch <id>   open another foundation
  /history       reprint the conversation
  /stage         show the active stage
  /quit          leave

With --remote the foundation and transcript live on a Storyforge server
(STORYFORGE_REMOTE, STORYFORGE_TOKEN); agent calls still run locally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], message)
		},
	}
	cmd.Flags().StringP("message", "m", "", "send one message and exit")
	cmd.Flags().String("remote", "", "Storyforge server base URL")
	cmd.Flags().String("token", "", "bearer token for --remote")
	_ = viper.BindPFlag("remote", cmd.Flags().Lookup("remote"))
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

// chatStore is the storage a chat session runs against.
type chatStore interface {
	app.Store
	transcript.HistorySource
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, foundationID, message string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("api-key"))
	if err != nil {
		return err
	}

	var store chatStore
	if url := viper.GetString("remote"); url != "" {
		client := storyforgesdk.New(url)
		client.BearerToken = viper.GetString("token")
		store = remote.New(client)
	} else {
		rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		store = rt.Engine.As(viper.GetString("actor-id"))
	}

	banner := &queueBanner{}
	conv, err := app.NewConversation(ctx, cfg, store, logger, banner.update)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := conv.Queue.Wait(flushCtx); err != nil {
			st := conv.Queue.Status()
			fmt.Fprintf(os.Stderr, "warning: %d message(s) could not be saved\n", st.Queued)
			logger.Warn("exiting with unsaved messages", zap.Int("queued", st.Queued), zap.String("last_error", st.LastError))
		}
		conv.Close()
	}()

	s := &chatSession{
		store:  store,
		orch:   conv.Orchestrator,
		tr:     transcript.New(),
		banner: banner,
		out:    out,
	}
	if _, err := store.GetFoundation(ctx, foundationID); err != nil {
		return err
	}
	if message != "" {
		s.tr.Reset(foundationID)
		return s.send(ctx, message)
	}
	if _, err := s.tr.Load(ctx, store, foundationID); err != nil {
		return err
	}
	s.printHistory()
	return s.repl(ctx, in)
}

// queueBanner keeps the latest persistence status for the prompt.
type queueBanner struct {
	mu sync.Mutex
	st persist.Status
}

func (b *queueBanner) update(st persist.Status) {
	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
}

func (b *queueBanner) line() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.st.Warning {
		return ""
	}
	return fmt.Sprintf("! %d message(s) not saved yet, retrying in the background", b.st.Pending)
}

// chatSession drives the REPL. Only the REPL goroutine writes to out;
// background loads leave notices that are printed at the next prompt.
type chatSession struct {
	store  chatStore
	orch   *conversation.Orchestrator
	tr     *transcript.Transcript
	banner *queueBanner
	out    io.Writer
	loads  sync.WaitGroup

	mu      sync.Mutex
	notices []string
}

func (s *chatSession) notify(format string, args ...any) {
	s.mu.Lock()
	s.notices = append(s.notices, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *chatSession) flushNotices() {
	s.mu.Lock()
	pending := s.notices
	s.notices = nil
	s.mu.Unlock()
	for _, n := range pending {
		fmt.Fprintln(s.out, n)
	}
}

func (s *chatSession) repl(ctx context.Context, in io.Reader) error {
	defer func() {
		s.loads.Wait()
		s.flushNotices()
	}()
	scanner := bufio.NewScanner(in)
	for {
		s.flushNotices()
		if line := s.banner.line(); line != "" {
			fmt.Fprintln(s.out, line)
		}
		fmt.Fprintf(s.out, "%s> ", s.tr.FoundationID())
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/history":
			s.printHistory()
		case line == "/stage":
			s.printStage(ctx)
		case strings.HasPrefix(line, "/switch"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/switch"))
			if id == "" {
				fmt.Fprintln(s.out, "usage: /switch <foundation-id>")
				continue
			}
			s.switchTo(ctx, id)
		default:
			if err := s.send(ctx, line); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintln(s.out, "error:", err)
			}
		}
	}
}

// switchTo loads the history of id in the background. A later switch
// supersedes this one, so a slow load never overwrites a newer selection.
func (s *chatSession) switchTo(ctx context.Context, id string) {
	fmt.Fprintf(s.out, "loading %s…\n", id)
	s.loads.Add(1)
	go func() {
		defer s.loads.Done()
		applied, err := s.tr.Load(ctx, s.store, id)
		switch {
		case err != nil:
			s.notify("could not open %s: %v", id, err)
		case applied:
			s.notify("switched to %s (%d messages)", id, s.tr.Len())
		}
	}()
}

func (s *chatSession) send(ctx context.Context, text string) error {
	id := s.tr.FoundationID()
	if id == "" {
		return errors.New("no foundation selected, use /switch <id>")
	}
	res, err := s.orch.Turn(ctx, s.tr, id, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "[%s · %s]\n%s\n", res.Stage, res.AgentID, res.Reply)
	if res.StageCompleted {
		fmt.Fprintf(s.out, "\n✓ %s complete. Next up: %s\n", res.Stage, res.NextStage)
	}
	return nil
}

func (s *chatSession) printHistory() {
	msgs := s.tr.Messages()
	if len(msgs) == 0 {
		fmt.Fprintf(s.out, "No messages yet for %s. Say hello.\n", s.tr.FoundationID())
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(s.out, "%s: %s\n", m.Role, m.Content)
	}
}

func (s *chatSession) printStage(ctx context.Context) {
	f, err := s.store.GetFoundation(ctx, s.tr.FoundationID())
	if err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	fmt.Fprintf(s.out, "stage: %s, progress %s\n", f.CurrentStage, progress(f.Flags))
}
