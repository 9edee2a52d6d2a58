package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/legisapp/legis/internal/backend"
	"github.com/legisapp/legis/internal/logging"
	"github.com/legisapp/legis/internal/models"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

var errNoSession = errors.New("no session: pass --session or set LEGIS_SESSION")

type rootOptions struct {
	apiURL  string
	session string
	verbose bool

	logger *slog.Logger
}

type scopeFlags struct {
	caseID   string
	clientID string
}

func (f scopeFlags) scope() models.Scope {
	switch {
	case f.caseID != "":
		return models.CaseScope(f.caseID)
	case f.clientID != "":
		return models.ClientScope(f.clientID)
	default:
		return models.Unscoped()
	}
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.caseID, "case", "", "Case the conversation belongs to")
	cmd.Flags().StringVar(&f.clientID, "client", "", "Client the conversation belongs to")
	cmd.MarkFlagsMutuallyExclusive("case", "client")
}

func (o *rootOptions) client() (backend.Client, error) {
	if o.session == "" {
		return backend.Client{}, errNoSession
	}
	return backend.NewClient(o.apiURL, o.session, backend.WithLogger(o.logger)), nil
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "legis",
		Short: "Chat with the legal-practice assistant",
		Long: `Chat with the legal-practice assistant from the terminal.

Conversations are free-standing or bound to a case or a client, exactly as in the
web application, and are persisted by the backend.

Quick Start:
  legis chat                      # Free-standing conversation
  legis chat --case 42            # Conversation about case 42
  legis chats --client 7          # Conversations about client 7
  legis show <chat-id>            # Print a transcript`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !o.verbose {
				o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
				return nil
			}
			logger, _, err := logging.New(logging.Config{Level: "debug"})
			if err != nil {
				return err
			}
			o.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&o.apiURL, "api-url", envOr("LEGIS_API_URL", defaultAPIURL), "Backend API root")
	cmd.PersistentFlags().StringVar(&o.session, "session", os.Getenv("LEGIS_SESSION"), "Session token")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(newChatCmd(o), newChatsCmd(o), newShowCmd(o))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
