package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"announcebot/internal/announce"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

const (
	msgPermissionDenied = "You do not have permission to run this command."
	msgUnknownCommand   = "Unknown command. Try /help"
)

type Command struct {
	Name        string
	Usage       string
	Description string
	AdminOnly   bool
	Handle      HandlerFunc
}

func (r *Router) commands() map[string]Command {
	list := []Command{
		{Name: "list", Usage: "/list", Description: "List scheduled announcements", AdminOnly: true, Handle: r.cmdList},
		{Name: "cancel", Usage: "/cancel <job_id>", Description: "Cancel a scheduled announcement", AdminOnly: true, Handle: r.cmdCancel},
		{Name: "status", Usage: "/status", Description: "Show bot status", AdminOnly: true, Handle: r.cmdStatus},
		{Name: "otp", Usage: "/otp <code>", Description: "Answer the latest one-time code request", AdminOnly: true, Handle: r.cmdOTP},
		{Name: "ping", Usage: "/ping", Description: "Check that the bot is alive", Handle: r.cmdVersion},
		{Name: "version", Usage: "/version", Description: "Show the bot version", Handle: r.cmdVersion},
		{Name: "help", Usage: "/help", Description: "Show this help", Handle: r.cmdHelp},
	}
	out := make(map[string]Command, len(list))
	for _, c := range list {
		out[c.Name] = c
	}
	return out
}

// MenuCommands lists the commands for the platform's command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]transport.BotCommand, 0, len(names))
	for _, n := range names {
		out = append(out, transport.BotCommand{Command: n, Description: r.cmds[n].Description})
	}
	return out
}

func (r *Router) runCommand(ctx context.Context, req *Request) error {
	cmd, ok := r.cmds[req.Command]
	if !ok {
		// Other bots' commands are common in groups; only answer in private.
		if m := req.Update.Message; m != nil && !m.IsGroup {
			r.send(ctx, req, msgUnknownCommand)
		}
		return nil
	}
	if cmd.AdminOnly && !r.opt.Announcer.IsAdmin(req.FromID) {
		r.send(ctx, req, msgPermissionDenied)
		return nil
	}
	return cmd.Handle(ctx, req)
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	r.send(ctx, req, announce.FormatJobList(r.opt.Announcer.Jobs(), r.opt.Location))
	return nil
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.send(ctx, req, "Usage: /cancel <job_id>")
		return nil
	}
	id := req.Args[0]
	if r.opt.Announcer.CancelJob(ctx, id, req.FromID) {
		r.send(ctx, req, fmt.Sprintf("Cancelled the announcement with job ID %s.", id))
		return nil
	}
	r.send(ctx, req, fmt.Sprintf("Job ID %s was not found.", id))
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	st := r.opt.Announcer.Status()
	lines := []string{
		"📊 Status",
		fmt.Sprintf("Requests awaiting approval: %d", st.Pending),
		fmt.Sprintf("Queued requests: %d", st.Queued),
		fmt.Sprintf("Completed (history): %d", st.History),
		fmt.Sprintf("Scheduled jobs: %d", st.Live),
		fmt.Sprintf("Failed jobs: %d", st.Failed),
		fmt.Sprintf("Jobs waiting for login: %d", st.AuthPending),
	}
	if r.opt.Codes != nil {
		lines = append(lines, fmt.Sprintf("Open code requests: %d", len(r.opt.Codes.Pending())))
	}
	if r.opt.StatusLines != nil {
		lines = append(lines, r.opt.StatusLines()...)
	}
	r.send(ctx, req, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdOTP(ctx context.Context, req *Request) error {
	if reply := r.otpCommand(req); reply != "" {
		r.send(ctx, req, reply)
	}
	return nil
}

// otpCommand resolves the latest challenge and returns the reply, if any.
// It does not block.
func (r *Router) otpCommand(req *Request) string {
	if !r.opt.Announcer.IsAdmin(req.FromID) {
		return msgPermissionDenied
	}
	if len(req.Args) != 1 || r.opt.Codes == nil {
		return "Usage: /otp <code>"
	}
	if !r.opt.Codes.ResolveLatest(req.Args[0]) {
		return "No code request is waiting."
	}
	r.log.Info("one-time code received by command", logx.Int64("from_id", req.FromID))
	return ""
}

func (r *Router) cmdVersion(ctx context.Context, req *Request) error {
	v := r.opt.Version
	if v == "" {
		v = "dev"
	}
	r.send(ctx, req, "announcebot version "+v)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	lines := []string{"📚 Commands"}
	for _, n := range names {
		c := r.cmds[n]
		lines = append(lines, fmt.Sprintf("%s: %s", c.Usage, c.Description))
	}
	if r.opt.Version != "" {
		lines = append(lines, "", "Version: "+r.opt.Version)
	}
	r.send(ctx, req, strings.Join(lines, "\n"))
	return nil
}
