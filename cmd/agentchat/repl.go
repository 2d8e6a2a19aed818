package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/domain"
)

var (
	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))

	otherAgentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	currentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

const helpText = `/agents         list agents
/use <id>       switch agent
/history        show the current conversation
/reset          forget every conversation
/help           show commands
/quit           exit`

// repl drives a controller from line-oriented input. Replies are printed by
// a watcher goroutine once the agent that owns them has settled, so a reply
// that arrives after /use is still shown, tagged with its agent.
type repl struct {
	ctrl *chat.Controller
	in   io.Reader
	out  io.Writer

	mu           sync.Mutex
	seen         map[string]map[string]bool
	banners      map[string]string
	confirmReset bool

	sends sync.WaitGroup
}

func newREPL(ctrl *chat.Controller, in io.Reader, out io.Writer) *repl {
	return &repl{
		ctrl:    ctrl,
		in:      in,
		out:     out,
		seen:    make(map[string]map[string]bool),
		banners: make(map[string]string),
	}
}

// Run selects the default agent and processes input until /quit, EOF or
// ctx cancellation. Pending sends are awaited before returning.
func (r *repl) Run(ctx context.Context) error {
	events, unsubscribe := r.ctrl.Subscribe()
	defer unsubscribe()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watch(ctx, events)
	}()

	agents := r.ctrl.Agents()
	if err := r.use(ctx, agents[0].ID); err != nil {
		return err
	}
	r.printf("%s\n", hintStyle.Render("Type /help for commands."))

	lines := make(chan string)
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := r.handle(ctx, line); quit {
				break loop
			}
		}
	}

	r.sends.Wait()
	for _, a := range agents {
		r.flush(a.ID)
	}
	unsubscribe()
	<-watchDone
	return nil
}

func (r *repl) watch(ctx context.Context, events <-chan chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.AgentID != "" {
				r.flush(ev.AgentID)
			}
		}
	}
}

// handle processes one input line and reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)

	r.mu.Lock()
	confirming := r.confirmReset
	r.confirmReset = false
	r.mu.Unlock()
	if confirming {
		if strings.EqualFold(text, "y") || strings.EqualFold(text, "yes") {
			r.reset(ctx)
		} else {
			r.printf("%s\n", hintStyle.Render("Reset cancelled."))
		}
		return false
	}

	if !strings.HasPrefix(text, "/") {
		r.submit(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/agents":
		r.listAgents()
	case "/use":
		if arg == "" {
			r.printf("%s\n", errorStyle.Render("usage: /use <agent id>"))
			break
		}
		if err := r.use(ctx, arg); err != nil {
			r.printf("%s\n", errorStyle.Render(err.Error()))
		}
	case "/history":
		r.mu.Lock()
		r.printHistoryLocked(r.ctrl.Current())
		r.mu.Unlock()
	case "/reset":
		r.mu.Lock()
		r.confirmReset = true
		r.mu.Unlock()
		r.printf("%s ", errorStyle.Render("Forget every conversation? (y/N)"))
	default:
		r.printf("%s\n", errorStyle.Render("unknown command "+cmd+", type /help"))
	}
	return false
}

func (r *repl) submit(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	done, err := r.ctrl.SubmitAsync(ctx, text)
	if errors.Is(err, chat.ErrBusy) {
		r.printf("%s\n", hintStyle.Render("Still waiting for the previous reply."))
		return
	}
	if err != nil {
		r.printf("%s\n", errorStyle.Render(err.Error()))
		return
	}
	if done == nil {
		return
	}
	r.sends.Add(1)
	go func() {
		defer r.sends.Done()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			r.printf("%s\n", errorStyle.Render(err.Error()))
		}
	}()
}

// use selects agentID and prints its conversation. The lock is held across
// the selection so that the watcher cannot print history lines twice.
func (r *repl) use(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctrl.Select(ctx, agentID); err != nil {
		if errors.Is(err, chat.ErrUnknownAgent) {
			return fmt.Errorf("unknown agent %q, see /agents", agentID)
		}
		return err
	}
	view, err := r.ctrl.Snapshot(agentID)
	if err != nil {
		return err
	}
	r.printfLocked("%s\n", currentStyle.Render("── "+view.DisplayName+" ──"))
	r.printHistoryLocked(agentID)
	return nil
}

func (r *repl) reset(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctrl.Reset(ctx); err != nil {
		r.printfLocked("%s\n", errorStyle.Render(err.Error()))
		return
	}
	r.seen = make(map[string]map[string]bool)
	r.banners = make(map[string]string)
	r.printfLocked("%s\n", hintStyle.Render("All conversations cleared."))
	r.printHistoryLocked(r.ctrl.Current())
}

func (r *repl) listAgents() {
	current := r.ctrl.Current()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.ctrl.Views() {
		marker := "  "
		name := v.AgentID
		if v.AgentID == current {
			marker = "* "
			name = currentStyle.Render(name)
		}
		r.printfLocked("%s%s %s %s\n", marker, name, v.DisplayName, hintStyle.Render(string(v.State)))
	}
}

// printHistoryLocked prints the whole conversation of agentID and marks it
// as shown. Callers hold r.mu.
func (r *repl) printHistoryLocked(agentID string) {
	view, err := r.ctrl.Snapshot(agentID)
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(view.Messages))
	r.seen[agentID] = seen
	if len(view.Messages) == 0 {
		r.printfLocked("%s\n", hintStyle.Render(view.Placeholder))
	}
	for _, m := range view.Messages {
		seen[m.ID] = true
		r.printMessageLocked(view, m)
	}
	r.banners[agentID] = view.Error
	if view.Error != "" {
		r.printfLocked("%s\n", errorStyle.Render(view.Error))
	}
}

// flush prints replies of agentID that have not been shown yet. Agents whose
// conversation was never displayed, or that are still waiting for a reply,
// are skipped.
func (r *repl) flush(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.seen[agentID]
	if !ok {
		return
	}
	view, err := r.ctrl.Snapshot(agentID)
	if err != nil || view.Pending {
		return
	}
	for _, m := range view.Messages {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.Role == domain.RoleUser {
			continue
		}
		r.printMessageLocked(view, m)
	}
	if view.Error != r.banners[agentID] {
		r.banners[agentID] = view.Error
		if view.Error != "" {
			r.printfLocked("%s\n", errorStyle.Render(view.Error))
		}
	}
}

func (r *repl) printMessageLocked(view chat.View, m domain.Message) {
	if m.Role == domain.RoleUser {
		r.printfLocked("%s %s\n", userStyle.Render("you:"), m.Text)
		return
	}
	prefix := ""
	if !view.Current {
		prefix = otherAgentStyle.Render("["+view.AgentID+"]") + " "
	}
	r.printfLocked("%s%s %s\n", prefix, agentStyle.Render(view.DisplayName+":"), m.Text)
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printfLocked(format, args...)
}

func (r *repl) printfLocked(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
