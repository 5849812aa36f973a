// Package cli implements the worklens command line client. Every command
// is a thin translation to sync intents plus a snapshot read; the daemon
// owns all state.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/worklens/worklens/internal/appclient"
	"github.com/worklens/worklens/internal/model"
)

type Runner struct {
	socketPath string
	out        io.Writer
	errOut     io.Writer
	timeout    time.Duration
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		socketPath: socketPath,
		out:        out,
		errOut:     errOut,
		timeout:    10 * time.Second,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.socketPath = socketPath
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "connections":
		return r.runConnections(ctx, rest[1:])
	case "connect":
		return r.runConnectionVerb(ctx, rest[1:], "connect")
	case "retry":
		return r.runConnectionVerb(ctx, rest[1:], "retry")
	case "disconnect":
		return r.runConnectionVerb(ctx, rest[1:], "disconnect")
	case "signin":
		return r.runSignIn(ctx, rest[1:])
	case "signout":
		return r.runConnectionVerb(ctx, rest[1:], "signout")
	case "select":
		return r.runConnectionVerb(ctx, rest[1:], "select")
	case "items":
		return r.runItems(ctx, rest[1:])
	case "timer":
		return r.runTimer(ctx, rest[1:])
	case "view":
		return r.runView(ctx, rest[1:])
	case "dismiss":
		return r.runDismiss(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socketPath := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--socket" || arg == "-socket":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("%s requires a value", arg)
			}
			i++
			socketPath = args[i]
		case strings.HasPrefix(arg, "--socket="):
			socketPath = strings.TrimPrefix(arg, "--socket=")
		case strings.HasPrefix(arg, "-socket="):
			socketPath = strings.TrimPrefix(arg, "-socket=")
		default:
			rest = append(rest, arg)
		}
	}
	return socketPath, rest, nil
}

// dial connects with the runner's timeout applied; the caller closes.
func (r *Runner) dial(ctx context.Context) (*appclient.Client, context.Context, context.CancelFunc, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	client, err := appclient.Dial(cmdCtx, r.socketPath)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("is worklensd running? %w", err)
	}
	return client, cmdCtx, cancel, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	client, cmdCtx, cancel, err := r.dial(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer cancel()
	defer client.Close() //nolint:errcheck

	snap, err := client.FetchApp(cmdCtx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(map[string]any{"state": snap.State, "context": snap.Context})
	}
	fmt.Fprintf(r.out, "state: %s\n", snap.State)
	fmt.Fprintf(r.out, "view: %s\n", snap.Context.ViewMode)
	if snap.Context.ActiveConnectionID != "" {
		fmt.Fprintf(r.out, "active connection: %s\n", snap.Context.ActiveConnectionID)
	}
	if snap.Context.LastError != "" {
		fmt.Fprintf(r.out, "last error: %s\n", snap.Context.LastError)
	}
	fmt.Fprintf(r.out, "connections: %d\n", len(snap.Context.Connections))
	for _, conn := range snap.Context.Connections {
		summary := snap.Context.Summaries[conn.ID]
		state := summary.ConnectionState
		if state == "" {
			state = "disconnected"
		}
		fmt.Fprintf(r.out, "  %s  %s  %s\n", conn.ID, conn.DisplayName(), state)
	}
	for _, reminder := range snap.Context.Reminders {
		fmt.Fprintf(r.out, "reminder [%s] %s: %s\n", reminder.Kind, reminder.ConnectionID, reminder.Message)
	}
	if snap.Context.DeviceCode != nil {
		fmt.Fprintf(r.out, "sign-in code %s at %s\n", snap.Context.DeviceCode.UserCode, snap.Context.DeviceCode.VerificationURL)
	}
	return 0
}

func (r *Runner) runConnections(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(r.errOut, "usage: worklens connections <list|add|remove>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("connections list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		client, cmdCtx, cancel, err := r.dial(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		defer cancel()
		defer client.Close() //nolint:errcheck
		snap, err := client.FetchApp(cmdCtx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(snap.Context.Connections)
		}
		for _, conn := range snap.Context.Connections {
			fmt.Fprintf(r.out, "%s\t%s/%s\t%s\t%s\n", conn.ID, conn.Organization, conn.Project, conn.AuthMethod, conn.DisplayName())
		}
		return 0
	case "add":
		fs := flag.NewFlagSet("connections add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		org := fs.String("org", "", "organization")
		project := fs.String("project", "", "project")
		label := fs.String("label", "", "display label")
		auth := fs.String("auth", "credential", "auth method: credential or interactive")
		baseURL := fs.String("url", "", "base url")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if *org == "" || *project == "" {
			fmt.Fprintln(r.errOut, "usage: worklens connections add -org <org> -project <project> [-label L] [-auth M] [-url U]")
			return 2
		}
		record := map[string]any{
			"organization": *org,
			"project":      *project,
			"auth_method":  *auth,
		}
		if *label != "" {
			record["label"] = *label
		}
		if *baseURL != "" {
			record["base_url"] = *baseURL
		}
		return r.sendIntent(ctx, func(client *appclient.Client) error {
			return client.AddConnection(record)
		})
	case "remove":
		id, code := r.requireID(args[1:], "connections remove")
		if code != 0 {
			return code
		}
		return r.sendIntent(ctx, func(client *appclient.Client) error {
			return client.RemoveConnection(id)
		})
	default:
		fmt.Fprintf(r.errOut, "unknown connections subcommand: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runConnectionVerb(ctx context.Context, args []string, verb string) int {
	id, code := r.requireID(args, verb)
	if code != 0 {
		return code
	}
	return r.sendIntent(ctx, func(client *appclient.Client) error {
		switch verb {
		case "connect":
			return client.Connect(id)
		case "retry":
			return client.RetryConnection(id)
		case "disconnect":
			return client.Disconnect(id)
		case "signout":
			return client.SignOut(id)
		case "select":
			return client.SelectConnection(id)
		}
		return fmt.Errorf("unknown verb %s", verb)
	})
}

func (r *Runner) runSignIn(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("signin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "connection id")
	force := fs.Bool("interactive", false, "force the interactive flow")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *id == "" {
		fmt.Fprintln(r.errOut, "usage: worklens signin -id <connection> [-interactive]")
		return 2
	}
	return r.sendIntent(ctx, func(client *appclient.Client) error {
		return client.SignIn(*id, *force)
	})
}

func (r *Runner) runItems(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("items", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "connection id (defaults to active)")
	refresh := fs.Bool("refresh", false, "request a reload first")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	client, cmdCtx, cancel, err := r.dial(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer cancel()
	defer client.Close() //nolint:errcheck

	snap, err := client.FetchApp(cmdCtx)
	if err != nil {
		return r.handleErr(err)
	}
	connectionID := *id
	if connectionID == "" {
		connectionID = snap.Context.ActiveConnectionID
	}
	if connectionID == "" {
		fmt.Fprintln(r.errOut, "no connection selected; pass -id or run: worklens select -id <connection>")
		return 2
	}
	if *refresh {
		if err := client.RefreshWorkItems(connectionID); err != nil {
			return r.handleErr(err)
		}
		snap, err = client.FetchApp(cmdCtx)
		if err != nil {
			return r.handleErr(err)
		}
	}
	items := snap.Context.WorkItems[connectionID]
	if *jsonOut {
		return r.writeJSON(items)
	}
	for _, item := range items {
		assigned := item.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		fmt.Fprintf(r.out, "#%d\t%s\t%s\t%s\t%s\n", item.ID, item.Type, item.State, assigned, item.Title)
	}
	return 0
}

func (r *Runner) runTimer(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(r.errOut, "usage: worklens timer <start|pause|resume|stop|status>")
		return 2
	}
	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("timer start", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.Int("id", 0, "work item id")
		title := fs.String("title", "", "work item title")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if *id <= 0 {
			fmt.Fprintln(r.errOut, "usage: worklens timer start -id <work item> [-title T]")
			return 2
		}
		return r.sendIntent(ctx, func(client *appclient.Client) error {
			return client.StartTimer(*id, *title)
		})
	case "pause":
		return r.sendIntent(ctx, (*appclient.Client).PauseTimer)
	case "resume":
		return r.sendIntent(ctx, (*appclient.Client).ResumeTimer)
	case "stop":
		return r.sendIntent(ctx, (*appclient.Client).StopTimer)
	case "status":
		fs := flag.NewFlagSet("timer status", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		client, cmdCtx, cancel, err := r.dial(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		defer cancel()
		defer client.Close() //nolint:errcheck
		snap, err := client.FetchTimer(cmdCtx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(map[string]any{"state": snap.State, "context": snap.Context})
		}
		fmt.Fprintf(r.out, "timer: %s\n", snap.State)
		if snap.State != "idle" {
			fmt.Fprintf(r.out, "work item: #%d %s\n", snap.Context.WorkItemID, snap.Context.Title)
			fmt.Fprintf(r.out, "started: %s\n", snap.Context.StartedAt.Local().Format(time.RFC3339))
		}
		if snap.Context.LastStop != nil {
			stop := snap.Context.LastStop
			capped := ""
			if stop.CapApplied {
				capped = fmt.Sprintf(" (capped at %s)", stop.Cap)
			}
			fmt.Fprintf(r.out, "last: #%d %s for %s%s\n", stop.WorkItemID, stop.Title, stop.Duration, capped)
		}
		return 0
	default:
		fmt.Fprintf(r.errOut, "unknown timer subcommand: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runView(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: worklens view <work_items|connections|settings>")
		return 2
	}
	mode := model.ViewMode(args[0])
	switch mode {
	case model.ViewModeWorkItems, model.ViewModeConnections, model.ViewModeSettings:
	default:
		fmt.Fprintf(r.errOut, "unknown view mode: %s\n", args[0])
		return 2
	}
	return r.sendIntent(ctx, func(client *appclient.Client) error {
		return client.SetViewMode(mode)
	})
}

func (r *Runner) runDismiss(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("dismiss", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "connection id")
	kind := fs.String("kind", "", "reminder kind")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *id == "" || *kind == "" {
		fmt.Fprintln(r.errOut, "usage: worklens dismiss -id <connection> -kind <reminder kind>")
		return 2
	}
	return r.sendIntent(ctx, func(client *appclient.Client) error {
		return client.DismissReminder(*id, model.ReminderKind(*kind))
	})
}

// runWatch streams app snapshots as JSON lines until interrupted.
func (r *Runner) runWatch(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(r.errOut, "usage: worklens watch")
		return 2
	}
	client, err := appclient.Dial(ctx, r.socketPath)
	if err != nil {
		return r.handleErr(fmt.Errorf("is worklensd running? %w", err))
	}
	defer client.Close() //nolint:errcheck

	enc := json.NewEncoder(r.out)
	err = client.WatchApp(func(snap appclient.AppSnapshot) {
		_ = enc.Encode(map[string]any{
			"pubseq":  snap.PubSeq,
			"state":   snap.State,
			"context": snap.Context,
		})
	})
	if err != nil {
		return r.handleErr(err)
	}
	select {
	case <-ctx.Done():
		return 0
	case <-client.Done():
		if err := client.Err(); err != nil {
			return r.handleErr(err)
		}
		return 0
	}
}

func (r *Runner) sendIntent(ctx context.Context, send func(*appclient.Client) error) int {
	client, cmdCtx, cancel, err := r.dial(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	defer cancel()
	defer client.Close() //nolint:errcheck
	if err := send(client); err != nil {
		return r.handleErr(err)
	}
	// Wait for the change-driven broadcast so the command observes its own
	// effect before exiting.
	if _, err := client.FetchApp(cmdCtx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) requireID(args []string, usage string) (string, int) {
	fs := flag.NewFlagSet(usage, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "connection id")
	if err := fs.Parse(args); err != nil {
		return "", r.usageErr(err)
	}
	if *id == "" {
		fmt.Fprintf(r.errOut, "usage: worklens %s -id <connection>\n", usage)
		return "", 2
	}
	return *id, 0
}

func (r *Runner) writeJSON(v any) int {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	fmt.Fprintln(r.out, string(body))
	return 0
}

func (r *Runner) usageErr(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	commands := []string{
		"status [-json]                      show daemon state",
		"connections list|add|remove        manage connections",
		"connect|retry|disconnect -id C     drive the connect pipeline",
		"signin -id C [-interactive]        acquire credentials",
		"signout -id C                      revoke and disconnect",
		"select -id C                       set the active connection",
		"items [-id C] [-refresh] [-json]   list work items",
		"timer start|pause|resume|stop|status",
		"view <mode>                        switch the view mode",
		"dismiss -id C -kind K              dismiss a reminder",
		"watch                              stream app snapshots as JSON lines",
	}
	fmt.Fprintln(r.errOut, "usage: worklens [--socket PATH] <command>")
	for _, c := range commands {
		fmt.Fprintf(r.errOut, "  %s\n", c)
	}
}
