package main

import (
	"bufio"
	"context"
	"strings"

	"github.com/legisapp/legis/internal/chat"
	"github.com/legisapp/legis/internal/conversation"
	"github.com/legisapp/legis/internal/models"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	scopeFlags
	chatID string
	prompt string
}

func newChatCmd(o *rootOptions) *cobra.Command {
	co := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation. Every line is sent as a question and the answer
is played back as it streams in.

Commands:
  /new    start a new conversation in the same scope
  /quit   leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cmd, c, co, o)
		},
	}

	co.register(cmd)
	cmd.Flags().StringVar(&co.chatID, "chat", "", "Continue an existing conversation")
	cmd.Flags().StringVarP(&co.prompt, "prompt", "p", "", "Question sent on start")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, b chat.Backend, co *chatOptions, o *rootOptions) error {
	p := newPrinter(cmd.OutOrStdout())

	sess := chat.NewSession(b, co.scope(), chat.Options{
		Logger: o.logger,
		Notify: p.error,
		OnConversation: func(chatID string, created bool) {
			if created {
				p.notice("conversation %s", chatID)
			}
		},
	})
	defer sess.Close()

	if co.chatID != "" {
		if err := sess.Load(ctx, co.chatID); err != nil {
			return err
		}
		for _, msg := range sess.Store().Messages() {
			p.message(msg)
		}
	}

	unsubscribe := sess.Store().Subscribe(func(c conversation.Change) {
		switch c.Kind {
		case conversation.ChangeAppend:
			if c.Message.Role == models.RoleAssistant {
				p.startAnswer(c.Message.Content)
			}
		case conversation.ChangeGrow:
			p.grow(c.Delta)
		}
	})
	defer unsubscribe()

	send := func(prompt string) error {
		// Failures are reported through Notify.
		_ = sess.Send(ctx, prompt)
		if err := sess.Wait(ctx); err != nil {
			return err
		}
		p.endAnswer()
		return nil
	}

	if co.prompt != "" {
		if err := send(co.prompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			sess.NewChat()
			p.notice("new conversation")
			continue
		}
		if err := send(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
