package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"strings"

	"github.com/harun/screencraft/internal/daemon"
	"github.com/harun/screencraft/pkg/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var chatNoSync bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the screen assistant in the terminal",
	Long: `Start an in-process conversation with the screen assistant. Replies are
streamed as they are produced; edited screens are saved to the edited
directory and announced inline. Ctrl-C cancels the running turn.

Commands: /new starts a fresh session, /quit exits.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNoSync, "no-sync", false, "skip syncing the knowledge base before chatting")
	rootCmd.AddCommand(chatCmd)
}

// chatBackend is the part of the orchestrator the terminal chat drives.
type chatBackend interface {
	StartSession() string
	Stream(ctx context.Context, id, input string) (iter.Seq[workflow.Chunk], error)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer d.Close()

	ctx := cmd.Context()
	if !chatNoSync {
		if _, err := d.GetKnowledge().Sync(ctx, cfg.Knowledge.ScreensDir); err != nil {
			return fmt.Errorf("failed to sync knowledge base: %w", err)
		}
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return chatLoop(ctx, d.GetOrchestrator(), os.Stdin, cmd.OutOrStdout(), interactive)
}

// chatLoop reads one turn per line from in until EOF or /quit.
func chatLoop(ctx context.Context, backend chatBackend, in io.Reader, out io.Writer, interactive bool) error {
	sessionID := backend.StartSession()
	fmt.Fprintf(out, "Session %s. /new starts over, /quit exits.\n", sessionID)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			if interactive {
				fmt.Fprintln(out)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = backend.StartSession()
			fmt.Fprintf(out, "Session %s.\n", sessionID)
			continue
		}

		if err := chatTurn(ctx, backend, sessionID, line, out); err != nil {
			if !errors.Is(err, workflow.ErrSessionNotFound) {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			sessionID = backend.StartSession()
			fmt.Fprintf(out, "Session expired, started %s. Please repeat your message.\n", sessionID)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func chatTurn(ctx context.Context, backend chatBackend, sessionID, input string, out io.Writer) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	chunks, err := backend.Stream(turnCtx, sessionID, input)
	if err != nil {
		return err
	}

	for chunk := range chunks {
		fmt.Fprint(out, renderChunk(chunk))
	}
	fmt.Fprintln(out)

	if turnCtx.Err() != nil && ctx.Err() == nil {
		fmt.Fprintln(out, "[cancelled]")
	}
	return nil
}

// renderChunk turns a streamed chunk into terminal text. Image payloads are
// summarized rather than printed.
func renderChunk(chunk workflow.Chunk) string {
	switch {
	case chunk.Error:
		return "\n" + chunk.Content + "\n"
	case chunk.MIME == workflow.TextMIME:
		return chunk.Content
	case strings.HasPrefix(chunk.MIME, "image/"):
		size := base64.StdEncoding.DecodedLen(len(chunk.Content))
		if data, err := base64.StdEncoding.DecodeString(chunk.Content); err == nil {
			size = len(data)
		}
		return fmt.Sprintf("\n[edited screen: %s, %d bytes]\n", chunk.MIME, size)
	default:
		return chunk.Content
	}
}
