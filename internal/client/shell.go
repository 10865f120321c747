package client

import (
	"context"
	"errors"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/sheerbytes/chunkline/internal/events"
)

// Shell is the interactive prompt. It completes commands and the file names
// of the server listing.
type Shell struct {
	c    *Client
	ctx  context.Context
	quit context.CancelFunc
}

// NewShell returns a shell that fetches through c until ctx ends or the
// user types exit.
func NewShell(ctx context.Context, c *Client) *Shell {
	ctx, cancel := context.WithCancel(ctx)
	return &Shell{c: c, ctx: ctx, quit: cancel}
}

// Run blocks on the prompt until the user exits.
func (s *Shell) Run() {
	p := prompt.New(
		s.Execute,
		s.Complete,
		prompt.OptionPrefix("chunkline> "),
		prompt.OptionTitle("chunkline "+s.c.Peer()),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return s.ctx.Err() != nil
		}),
	)
	p.Run()
}

// Done is closed once the shell was exited.
func (s *Shell) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Execute runs one input line.
func (s *Shell) Execute(in string) {
	fields := strings.Fields(in)
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		s.quit()
	case "ls", "list":
		for _, e := range s.c.Listing() {
			events.Logf(s.c.sink, "%s", e)
		}
	case "get":
		if len(fields) < 2 {
			events.Logf(s.c.sink, "usage: get <file>...")
			return
		}
		for _, name := range fields[1:] {
			if _, err := s.c.Get(s.ctx, name); err != nil {
				events.Logf(s.c.sink, "get %s: %v", name, err)
				if !errors.Is(err, ErrNotFound) {
					return
				}
			}
		}
	default:
		events.Logf(s.c.sink, "unknown command %q (get, ls, exit)", fields[0])
	}
}

// Complete suggests commands for the first word and file names after get.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if !strings.Contains(before, " ") {
		return prompt.FilterHasPrefix([]prompt.Suggest{
			{Text: "get", Description: "Download files"},
			{Text: "ls", Description: "List served files"},
			{Text: "exit", Description: "Close the session"},
		}, d.GetWordBeforeCursor(), true)
	}
	if cmd, _, _ := strings.Cut(before, " "); strings.ToLower(cmd) != "get" {
		return nil
	}
	var files []prompt.Suggest
	for _, e := range s.c.Listing() {
		files = append(files, prompt.Suggest{Text: e.Name, Description: e.String()})
	}
	return prompt.FilterHasPrefix(files, d.GetWordBeforeCursor(), false)
}
