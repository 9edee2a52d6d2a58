package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newChatsCmd(o *rootOptions) *cobra.Command {
	var sf scopeFlags

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			chats, err := c.Chats(cmd.Context(), sf.scope())
			if err != nil {
				return fmt.Errorf("failed to list chats: %w", err)
			}
			if len(chats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), noticeStyle.Render("no conversations"))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			for _, ch := range chats {
				title := ch.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(w, "%s\t%s\n", idStyle.Render(ch.ID), title)
			}
			return w.Flush()
		},
	}

	sf.register(cmd)
	return cmd
}

func newShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print the transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ch, err := c.Chat(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get chat: %w", err)
			}

			p := newPrinter(cmd.OutOrStdout())
			if ch.Title != "" {
				p.notice("%s", ch.Title)
			}
			for _, msg := range ch.Messages {
				p.message(msg)
			}
			return nil
		},
	}
}
