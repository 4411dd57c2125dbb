package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alexschlessinger/pollyd/lifecycle"
	"github.com/alexschlessinger/pollyd/orchestrator"
	"github.com/alexschlessinger/pollyd/query"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to an agent session from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "scope",
				Usage: "Session scope (interactive or embedded)",
				Value: orchestrator.ScopeInteractive,
			},
			&cli.StringFlag{
				Name:    "tenant",
				Aliases: []string{"t"},
				Usage:   "Tenant key of the session (random when empty)",
			},
			&cli.StringFlag{
				Name:  "resource",
				Usage: "Resource ID for embedded sessions",
			},
			&cli.StringFlag{
				Name:  "principal",
				Usage: "Principal ID for embedded sessions",
			},
			&cli.StringFlag{
				Name:  "knowledge",
				Usage: "Knowledge scope (defaults to the tenant key)",
			},
		},
		Action: runChat,
	}
}

func runChat(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	lc := lifecycle.New(ctx, a.coord, cfg.Sessions.ShutdownBudget)
	defer func() { _ = lc.Shutdown(context.Background()) }()

	req := orchestrator.Request{
		Scope:          cmd.String("scope"),
		TenantKey:      cmd.String("tenant"),
		ResourceID:     cmd.String("resource"),
		PrincipalID:    cmd.String("principal"),
		KnowledgeScope: cmd.String("knowledge"),
	}
	if req.TenantKey == "" {
		req.TenantKey = "console-" + uuid.NewString()[:8]
	}

	initColors()
	c := &console{orch: a.orch, req: req, out: os.Stdout, tty: isTerminal()}
	return c.run(lc.Context(), os.Stdin)
}

// console is a line-oriented chat loop over one session.
type console struct {
	orch *orchestrator.Orchestrator
	req  orchestrator.Request
	out  io.Writer
	tty  bool
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	s, err := c.orch.Start(ctx, c.req)
	if err != nil {
		return err
	}
	c.printInfo(orchestrator.Describe(s))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		c.prompt()
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/info":
			s, err := c.orch.Lookup(ctx, c.req)
			if err != nil {
				c.printError(err)
				continue
			}
			c.printInfo(orchestrator.Describe(s))
			continue
		case "/reset":
			if err := c.orch.End(ctx, c.req); err != nil {
				c.printError(err)
			} else {
				fmt.Fprintln(c.out, okStyle.Styled("session ended; the next message starts a new one"))
			}
			continue
		}

		if err := c.ask(ctx, line); err != nil {
			c.printError(err)
		}
	}
}

func (c *console) prompt() {
	if c.tty {
		fmt.Fprint(c.out, promptStyle.Styled("> "))
	}
}

func (c *console) ask(ctx context.Context, text string) error {
	run, err := c.orch.Query(ctx, c.req, text)
	if err != nil {
		return err
	}
	for ev := range run.Events() {
		c.render(ev)
	}
	return nil
}

func (c *console) render(ev query.Event) {
	switch ev.Type {
	case query.EventToken:
		fmt.Fprint(c.out, ev.Text)
	case query.EventToolStart:
		fmt.Fprintf(c.out, "\n%s\n", toolStyle.Styled("-> "+ev.Tool.Name))
	case query.EventToolEnd:
		if ev.Tool.Error != "" {
			fmt.Fprintf(c.out, "%s\n", errorStyle.Styled(fmt.Sprintf("<- %s failed: %s", ev.Tool.Name, ev.Tool.Error)))
			return
		}
		fmt.Fprintf(c.out, "%s\n", dimStyle.Styled(fmt.Sprintf("<- %s (%s)", ev.Tool.Name, ev.Tool.Duration)))
	case query.EventUsage:
		u := ev.Usage
		fmt.Fprintf(c.out, "\n%s", dimStyle.Styled(fmt.Sprintf("[%d in / %d out tokens, $%.4f]", u.PromptTokens, u.CompletionTokens, u.TotalCost)))
	case query.EventComplete:
		fmt.Fprintln(c.out)
	case query.EventError:
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, errorStyle.Styled("error: "+ev.Error))
	}
}

func (c *console) printInfo(info orchestrator.Info) {
	fmt.Fprintln(c.out, dimStyle.Styled(fmt.Sprintf("%s session %s on %s", info.Scope, info.TenantKey, info.Model)))
	if len(info.Tools) > 0 {
		fmt.Fprintln(c.out, dimStyle.Styled("tools: "+strings.Join(info.Tools, ", ")))
	}
	if len(info.FailedProviders) > 0 {
		fmt.Fprintln(c.out, errorStyle.Styled("unavailable providers: "+strings.Join(info.FailedProviders, ", ")))
	}
}

func (c *console) printError(err error) {
	fmt.Fprintln(c.out, errorStyle.Styled(fmt.Sprintf("%s: %v", orchestrator.KindOf(err), err)))
}
