package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rubberduck/rubberduck/pkg/client"
	"github.com/rubberduck/rubberduck/pkg/conversation"
	"github.com/rubberduck/rubberduck/pkg/localstore"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/orchestrator"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"github.com/spf13/cobra"
)

type chatFlags struct {
	server         string
	conversationID string
	email          string
	password       string
	signUp         bool
}

func newChatCmd() *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the duck from the terminal",
		Long: "Starts an interactive chat. Signed-in chats are stored on the server;\n" +
			"anonymous chats are kept in a local file until you sign in.\n\n" +
			"Commands: /file <path> attaches a file to the next message, /new starts\n" +
			"a new conversation, /quit exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.server, "server", "", "server URL (default from config)")
	cmd.Flags().StringVar(&flags.conversationID, "conversation", "", "continue a stored conversation")
	cmd.Flags().StringVar(&flags.email, "email", "", "sign in with this email")
	cmd.Flags().StringVar(&flags.password, "password", "", "password for --email")
	cmd.Flags().BoolVar(&flags.signUp, "signup", false, "create the account before signing in")
	return cmd
}

func runChat(cmd *cobra.Command, flags chatFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	serverURL := flags.server
	if serverURL == "" {
		serverURL = cfg.ServerURL()
	}

	local, err := localstore.Open(cfg.LocalStorePath())
	if err != nil {
		return err
	}
	defer local.Close()

	// Signing in discards the anonymous conversation.
	c := client.New(serverURL, client.OnSignIn(local.Clear))
	if flags.email != "" {
		if flags.signUp {
			_, err = c.SignUp(ctx, models.Credentials{Email: flags.email, Password: flags.password})
		} else {
			_, err = c.SignIn(ctx, flags.email, flags.password)
		}
		if err != nil {
			return err
		}
	}

	repl := &chatREPL{out: cmd.OutOrStdout(), client: c}
	anonymous, err := conversation.NewLocalSession(local, localstore.DefaultKey, c.Relay(),
		conversation.WithObserver(repl.observe))
	if err != nil {
		return err
	}
	repl.local = anonymous
	repl.orch = orchestrator.New(c, c, c, orchestrator.WithLocal(anonymous))

	if flags.conversationID != "" {
		if err := repl.bind(ctx, flags.conversationID); err != nil {
			return err
		}
	} else {
		printHistory(repl.out, anonymous.Entries())
	}

	return repl.run(ctx, cmd.InOrStdin())
}

// chatREPL reads lines and prints answers as fragments arrive.
type chatREPL struct {
	out    io.Writer
	client *client.Client
	orch   *orchestrator.Orchestrator
	local  *conversation.LocalSession

	session *conversation.Session
	files   []models.UploadedFile

	mu      sync.Mutex
	printed int
}

func (r *chatREPL) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	fmt.Fprint(r.out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return nil
		case line == "/new":
			r.reset()
		case strings.HasPrefix(line, "/file "):
			r.attach(strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		case line == "" && len(r.files) == 0:
		default:
			r.send(ctx, line)
		}
		fmt.Fprint(r.out, "> ")
	}
	return scanner.Err()
}

func (r *chatREPL) send(ctx context.Context, line string) {
	files := r.files
	r.files = nil

	var err error
	if r.session != nil {
		_, err = r.session.Submit(ctx, line, files)
	} else {
		var out orchestrator.Outcome
		out, err = r.orch.Route(ctx, "", line, files)
		if err == nil {
			switch out.Mode {
			case orchestrator.ModeDurable:
				if err = r.bind(ctx, out.ConversationID); err == nil {
					_, err = r.session.ResumeUnanswered(ctx)
				}
			case orchestrator.ModeLocal:
				_, err = r.local.ReplayPending(ctx)
			}
		}
	}
	fmt.Fprintln(r.out)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}

// bind switches to a stored conversation and prints its history.
func (r *chatREPL) bind(ctx context.Context, id string) error {
	session := conversation.NewSession(id, r.client, r.client, r.client.Relay(),
		conversation.WithObserver(r.observe))
	if err := session.Load(ctx); err != nil {
		return err
	}
	r.session = session
	printHistory(r.out, session.Entries())
	return nil
}

func (r *chatREPL) reset() {
	r.files = nil
	if r.session != nil {
		r.session = nil
		return
	}
	if err := r.local.Reset(); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}

func (r *chatREPL) attach(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	r.files = append(r.files, models.UploadedFile{Name: filepath.Base(path), Content: string(b)})
	fmt.Fprintf(r.out, "attached %s (%d bytes)\n", filepath.Base(path), len(b))
}

// observe prints the new tail of the streaming answer.
func (r *chatREPL) observe(entries []models.ConversationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(entries) == 0 {
		r.printed = 0
		return
	}
	last := entries[len(entries)-1]
	if !last.Loading {
		r.printed = 0
		return
	}
	if len(last.AIResponse) < r.printed {
		r.printed = 0
	}
	fmt.Fprint(r.out, last.AIResponse[r.printed:])
	r.printed = len(last.AIResponse)
}

func printHistory(out io.Writer, entries []models.ConversationEntry) {
	for _, e := range entries {
		fmt.Fprintf(out, "you: %s\n", e.UserMessage)
		if e.AIResponse != "" {
			fmt.Fprintf(out, "duck: %s\n", e.AIResponse)
		}
	}
	if len(entries) > 0 {
		utils.GetLogger().Debug("history restored", "entries", len(entries))
	}
}
