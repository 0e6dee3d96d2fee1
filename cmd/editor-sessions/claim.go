package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/config"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/conflicts"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/coordinator"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/logging"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessionclient"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	commandEvict  = "evict"
	commandCancel = "cancel"
	commandQuit   = "quit"
	commandTouch  = "touch"
)

func newClaimCommand() *cobra.Command {
	var keepalive time.Duration
	cmd := &cobra.Command{
		Use:   "claim <collection> <doc-id>",
		Short: "Hold an editor session on a document from the terminal",
		Long: "Opens an editor session through the Session API and keeps it until you quit or another editor evicts it.\n" +
			"Commands: evict, cancel (answer a conflict prompt), quit. Any other line counts as activity.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(cmd, args[0], args[1], keepalive)
		},
	}
	flags := cmd.Flags()
	flags.String("server-url", viper.GetString(config.KeyClientServerURL), "Session API base URL")
	flags.String("session-token", "", "TAuth session token (see the token command)")
	flags.DurationVar(&keepalive, "keepalive", 0, "Send a heartbeat on this interval even without input")
	bindLocalFlag(cmd, config.KeyClientServerURL, "server-url")
	bindLocalFlag(cmd, config.KeyClientSessionToken, "session-token")
	return cmd
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func runClaim(cmd *cobra.Command, collection, docID string, keepalive time.Duration) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	document, err := sessions.NewDocumentRef(docID, collection)
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := sessionclient.New(sessionclient.Config{
		BaseURL:      clientConfig.ServerURL,
		SessionToken: clientConfig.SessionToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	out := &lockedWriter{writer: cmd.OutOrStdout()}
	resolver, err := conflicts.NewResolver(conflicts.Config{
		Store:     client,
		Presenter: terminalPresenter{out: out},
		Notifier:  terminalNotifier{out: out},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ended := make(chan string, 1)
	editor, err := coordinator.New(coordinator.Config{
		Store:    client,
		Prompter: resolver,
		Navigator: coordinator.NavigatorFunc(func(route string) {
			select {
			case ended <- route:
			default:
			}
		}),
		InactiveTimeoutLimit: clientConfig.Sessions.InactiveTimeout,
		TimeoutCheckInterval: clientConfig.Sessions.TimeoutCheckInterval,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openSession(ctx, editor, document, out, logger)
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := editor.Destroy(destroyCtx); err != nil {
			logger.Warn("editor session cleanup failed", zap.Error(err))
		}
		editor.Wait()
	}()

	input := make(chan string)
	go readLines(ctx, cmd.InOrStdin(), input)

	var ticks <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case route := <-ended:
			out.printf("session ended by another editor or by inactivity; continue at %s\n", route)
			return nil
		case <-ticks:
			touch(ctx, editor, out)
		case line, ok := <-input:
			if !ok {
				return nil
			}
			switch parseCommand(line) {
			case commandEvict:
				decide(ctx, resolver, conflicts.DecisionEvict, out)
			case commandCancel:
				decide(ctx, resolver, conflicts.DecisionCancel, out)
			case commandQuit:
				return nil
			default:
				touch(ctx, editor, out)
			}
		}
	}
}

type sessionOpener interface {
	CreateSession(ctx context.Context, document sessions.DocumentRef) (sessions.Session, error)
}

// openSession claims document. A failed create is logged and editing goes on
// without presence protection.
func openSession(ctx context.Context, editor sessionOpener, document sessions.DocumentRef, out *lockedWriter, logger *zap.Logger) bool {
	session, err := editor.CreateSession(ctx, document)
	if err != nil {
		logger.Error("editor session could not be created",
			zap.String("document", document.String()),
			zap.Error(err))
		out.printf("editing %s without presence protection: %v\n", document, err)
		return false
	}
	out.printf("editing %s as session %s\n", document, session.ID)
	return true
}

func parseCommand(line string) string {
	switch command := strings.ToLower(strings.TrimSpace(line)); command {
	case commandEvict, commandCancel, commandQuit:
		return command
	case "exit", "q":
		return commandQuit
	default:
		return commandTouch
	}
}

func touch(ctx context.Context, editor *coordinator.Coordinator, out *lockedWriter) {
	if err := editor.Heartbeat(ctx); err != nil {
		out.printf("heartbeat failed: %v\n", err)
	}
}

func decide(ctx context.Context, resolver *conflicts.Resolver, decision conflicts.Decision, out *lockedWriter) {
	prompt, ok := resolver.Current()
	if !ok {
		out.printf("no conflict is waiting for an answer\n")
		return
	}
	// Failures are reported through the notifier and keep the prompt open.
	_ = resolver.Decide(ctx, prompt.ID, decision)
}

func readLines(ctx context.Context, reader io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

type lockedWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (w *lockedWriter) printf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.writer, format, args...)
}

// terminalPresenter prints prompts; answers arrive as typed commands.
type terminalPresenter struct {
	out *lockedWriter
}

func (p terminalPresenter) Show(prompt conflicts.Prompt) {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%d other editor(s) are active on %s:\n", len(prompt.Conflict.Others), prompt.Conflict.Local.Document())
	for _, other := range prompt.Conflict.Others {
		owner := other.OwnerUserID
		if owner == "" {
			owner = "unknown user"
		}
		fmt.Fprintf(&builder, "  - %s (%s, last active %s)\n", other.ID, owner,
			time.UnixMilli(other.LastModifiedTimestamp.Int64()).Format(time.RFC3339))
	}
	builder.WriteString("type 'evict' to disconnect them or 'cancel' to keep editing alongside them\n")
	p.out.printf("%s", builder.String())
}

func (p terminalPresenter) Close(string) {}

type terminalNotifier struct {
	out *lockedWriter
}

func (n terminalNotifier) Notify(message string) {
	n.out.printf("%s\n", message)
}
