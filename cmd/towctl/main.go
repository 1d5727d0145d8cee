package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/towtrack/internal/api"
	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/config"
	"github.com/matheus3301/towtrack/internal/httpapi"
	"github.com/matheus3301/towtrack/internal/session"
	"github.com/matheus3301/towtrack/internal/tracking"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not talk to the daemon.
	switch args[0] {
	case "init":
		cmdInit(profileName, args[1:])
		return
	case "use":
		cmdUse(profileName)
		return
	case "act":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: towctl act <accept|reject|cancel|complete> <job-id>")
			os.Exit(1)
		}
		cmdAct(profileName, httpapi.Action(args[1]), args[2])
		return
	}

	c, err := api.Dial(session.SocketPath(profileName))
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for profile %q: %w", profileName, err))
	}
	defer func() { _ = c.Close() }()

	// Streaming commands run until interrupted.
	switch args[0] {
	case "watch":
		cmdWatch(c, *jsonFlag)
		return
	case "events":
		ns := ""
		if len(args) > 1 {
			ns = args[1]
		}
		cmdEvents(c, ns)
		return
	case "messages":
		if len(args) > 1 && args[1] == "-f" {
			cmdFollowMessages(c, *jsonFlag)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "track":
		id := "active"
		if len(args) > 1 {
			id = args[1]
		}
		check(c.SetActiveJob(ctx, id))
	case "clear":
		check(c.ClearActiveJob(ctx))
	case "refresh":
		check(c.Refresh(ctx))
	case "position":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: towctl position <lat> <lng>")
			os.Exit(1)
		}
		lat, err := strconv.ParseFloat(args[1], 64)
		check(err)
		lng, err := strconv.ParseFloat(args[2], 64)
		check(err)
		check(c.UpdatePosition(ctx, lat, lng))
	case "chat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: towctl chat <open|close>")
			os.Exit(1)
		}
		switch args[1] {
		case "open":
			check(c.OpenChat(ctx))
		case "close":
			check(c.CloseChat(ctx))
		default:
			fail(fmt.Errorf("unknown chat subcommand: %s", args[1]))
		}
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: towctl send <text>")
			os.Exit(1)
		}
		check(c.SendMessage(ctx, strings.Join(args[1:], " ")))
	case "messages":
		cmdMessages(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: towctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init [flags]          Write the profile settings file")
	fmt.Fprintln(os.Stderr, "  use                   Make the profile the default")
	fmt.Fprintln(os.Stderr, "  status                Show the active job and connection")
	fmt.Fprintln(os.Stderr, "  track [id]            Track a job (default: the active one)")
	fmt.Fprintln(os.Stderr, "  clear                 Stop tracking")
	fmt.Fprintln(os.Stderr, "  refresh               Fetch the job now")
	fmt.Fprintln(os.Stderr, "  position <lat> <lng>  Report the device position")
	fmt.Fprintln(os.Stderr, "  chat open|close       Open or close the job chat")
	fmt.Fprintln(os.Stderr, "  send <text>           Send a chat message")
	fmt.Fprintln(os.Stderr, "  messages [-f]         List chat messages (-f follows the room)")
	fmt.Fprintln(os.Stderr, "  watch                 Stream view changes")
	fmt.Fprintln(os.Stderr, "  events [namespace]    Stream daemon events")
	fmt.Fprintln(os.Stderr, "  act <action> <id>     accept, reject, cancel or complete a job")
}

func cmdInit(profileName string, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	def := config.DefaultProfile()
	apiURL := fs.String("api", def.APIURL, "job API base url")
	chatURL := fs.String("chat", def.ChatURL, "chat websocket url")
	geocoder := fs.String("geocoder", "", "geocoder base url")
	user := fs.String("user", "", "user id")
	role := fs.String("role", def.Role, "customer or provider")
	tok := fs.String("token", "", "bearer token")
	_ = fs.Parse(args)

	p := def
	p.APIURL, p.ChatURL, p.GeocoderURL = *apiURL, *chatURL, *geocoder
	p.UserID, p.Role, p.Token = *user, *role, *tok
	check(p.Validate())
	check(session.EnsureDir(profileName))
	check(config.Save(session.ProfilePath(profileName), p))
	fmt.Printf("Wrote %s\n", session.ProfilePath(profileName))
}

func cmdUse(profileName string) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		// First use: no config file yet.
		cfg = &config.Config{}
	}
	cfg.DefaultProfile = profileName
	check(config.Save(session.ConfigPath(), cfg))
	fmt.Printf("Default profile: %s\n", profileName)
}

func cmdAct(profileName string, action httpapi.Action, jobID string) {
	prof, err := config.LoadProfile(session.ProfilePath(profileName), session.EnvPath(profileName))
	check(err)
	tok := prof.Token
	if tok == "" {
		tok = prof.UserID
	}
	client, err := httpapi.New(httpapi.Options{BaseURL: prof.APIURL, Token: tok, Role: httpapi.Role(prof.Role)})
	check(err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	check(client.Act(ctx, jobID, action))
	fmt.Printf("%s %s: ok\n", action, jobID)
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	view, err := c.GetView(ctx)
	check(err)
	conn, err := c.GetConnection(ctx)
	check(err)
	if jsonOut {
		outputJSON(map[string]any{"view": view, "connection": conn})
		return
	}
	fmt.Printf("Profile:    %s\n", view.Profile)
	fmt.Printf("Connection: %s\n", conn.State)
	fmt.Printf("Uptime:     %dms\n", conn.UptimeMs)
	printView(view.View)
}

func printView(v tracking.View) {
	if !v.Active() {
		fmt.Println("Job:        none")
		return
	}
	fmt.Printf("Job:        %s\n", v.JobID)
	switch {
	case v.Loading:
		fmt.Println("State:      loading")
		return
	case v.NotFound:
		fmt.Println("State:      not found")
		return
	}
	if s := v.Snapshot; s != nil {
		fmt.Printf("Status:     %s\n", s.Status)
		if s.CounterpartyID != "" {
			fmt.Printf("With:       %s\n", s.CounterpartyID)
		}
	}
	if v.Address != "" {
		fmt.Printf("Address:    %s\n", v.Address)
	}
	if v.HasEta {
		fmt.Printf("ETA:        %d min\n", v.EtaMinutes)
	}
	switch {
	case v.ChatAllowed:
		fmt.Println("Chat:       open")
	case v.Lock.Applicable:
		fmt.Printf("Chat:       unlocks in %s\n", v.Lock.Remaining.Round(time.Second))
	default:
		fmt.Println("Chat:       unavailable")
	}
	if v.UnreadCount > 0 {
		fmt.Printf("Unread:     %d\n", v.UnreadCount)
	}
}

func cmdMessages(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.ListMessages(ctx)
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No messages.")
		return
	}
	printMessages(resp.Messages)
}

func printMessages(msgs []chat.Message) {
	for _, m := range msgs {
		mark := ""
		switch {
		case m.Failed:
			mark = " (failed)"
		case m.Pending:
			mark = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.SentAt.Local().Format("15:04"), m.SenderID, m.Text, mark)
	}
}

func cmdFollowMessages(c *api.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.WatchMessages(ctx, func(r *api.ListMessagesResponse) error {
		if jsonOut {
			outputJSON(r)
			return nil
		}
		fmt.Printf("--- %s: %d messages, %d unread\n", r.JobID, len(r.Messages), r.UnreadCount)
		printMessages(r.Messages)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdWatch(c *api.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.WatchView(ctx, func(r *api.GetViewResponse) error {
		if jsonOut {
			outputJSON(r)
			return nil
		}
		fmt.Println("---")
		printView(r.View)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdEvents(c *api.Client, namespace string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.WatchEvents(ctx, namespace, func(e *api.EventEnvelope) error {
		outputJSON(e)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
