package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storyforge/internal/app"
	"storyforge/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Storyforge CLI",
	Long: `Storyforge guides a writer through building a story foundation, one stage at a time.
- Foundation: one story project with four one-way completion flags.
- Stages: genre -> environment -> world -> character; the first unfinished one is active.
- Agents: each stage has its own conversational agent and its own session.
- Transcript: every user message and agent reply is stored in order, retried in the background when storage is flaky.
- Event log: diary of changes, view with 'sf log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("api-key", "", "agent provider API key (overrides the config file)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "api-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(foundationCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func loadConfig() (*app.Runtime, func(), error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("api-key"))
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Open(context.Background(), workspace, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() {
		rt.Close()
		_ = logger.Sync()
	}, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, done, err := loadConfig()
	if err != nil {
		return err
	}
	defer done()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows, or v as JSON when --json is set.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
