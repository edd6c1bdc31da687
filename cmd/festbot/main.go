package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"festbot/internal/app"
	"festbot/internal/config"
	"festbot/internal/festival"
	"festbot/internal/notifier"
)

const usage = `usage: festbot [-config path] <command> [flags]

commands:
  serve                           run the bot, scheduler and ops server
  scan                            fetch events and send initial notices
  countdown [-within 72h]         remind subscribers of events ending soon
  confirm -event KEY -chat ID     record a confirmation
  subscribe -chat ID              register a chat
  list                            print current events
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("festbot", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (yaml or json)")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	cfgm := config.NewConfigManager(*cfgPath)
	// One-shot commands can run from the environment alone.
	cfgm.SetOptional(cmd != "serve")
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return app.Serve(ctx, cfgm)
	case "scan":
		return runScan(ctx, cfg, out)
	case "countdown":
		return runCountdown(ctx, cfg, rest, out)
	case "confirm":
		return runConfirm(ctx, cfg, rest, out)
	case "subscribe":
		return runSubscribe(ctx, cfg, rest, out)
	case "list":
		return runList(ctx, cfg, out)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runScan(ctx context.Context, cfg *config.Config, out io.Writer) error {
	o, err := app.OpenOneShot(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer o.Close()
	res, rep, err := o.Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "new=%d changed=%d unchanged=%d deactivated=%d\n",
		len(res.New), len(res.Changed), len(res.Unchanged), res.Deactivated)
	printReport(out, rep)
	return nil
}

func runCountdown(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	def, err := cfg.Delivery.Within()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("countdown", flag.ContinueOnError)
	within := fs.Duration("within", def, "reminder window")
	days := fs.Int("within-days", 0, "reminder window in days (overrides -within)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w := *within
	if *days > 0 {
		w = time.Duration(*days) * 24 * time.Hour
	}
	if w < 0 {
		return fmt.Errorf("countdown: negative window %s", w)
	}

	o, err := app.OpenOneShot(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer o.Close()
	rep, err := o.Countdown(ctx, w)
	if err != nil {
		return err
	}
	printReport(out, rep)
	return nil
}

func runConfirm(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("confirm", flag.ContinueOnError)
	key := fs.String("event", "", "event key")
	chat := fs.Int64("chat", 0, "chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*key) == "" || *chat == 0 {
		return errors.New("confirm: -event and -chat are required")
	}
	o, err := app.OpenOneShot(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer o.Close()
	already, err := o.Confirm(ctx, *key, *chat)
	if err != nil {
		return err
	}
	if already {
		fmt.Fprintln(out, "already confirmed")
	} else {
		fmt.Fprintln(out, "confirmed")
	}
	return nil
}

func runSubscribe(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	chat := fs.Int64("chat", 0, "chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chat == 0 {
		return errors.New("subscribe: -chat is required")
	}
	o, err := app.OpenOneShot(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer o.Close()
	created, err := o.Subscribe(ctx, *chat)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintln(out, "subscribed")
	} else {
		fmt.Fprintln(out, "already subscribed")
	}
	return nil
}

func runList(ctx context.Context, cfg *config.Config, out io.Writer) error {
	o, err := app.OpenOneShot(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer o.Close()
	events, err := o.List(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no current events")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Key, ev.Title, formatRange(ev), ev.DetailURL)
	}
	return tw.Flush()
}

func formatRange(ev festival.Event) string {
	const layout = "2006-01-02 15:04"
	switch {
	case ev.StartAt != nil && ev.EndAt != nil:
		return ev.StartAt.Format(layout) + " ~ " + ev.EndAt.Format(layout)
	case ev.EndAt != nil:
		return "~ " + ev.EndAt.Format(layout)
	case ev.StartAt != nil:
		return ev.StartAt.Format(layout) + " ~"
	default:
		return ev.TimeText
	}
}

func printReport(out io.Writer, rep notifier.Report) {
	fmt.Fprintf(out, "%s: events=%d sent=%d skipped=%d failed=%d\n",
		rep.Kind, rep.Events, rep.Sent, rep.Skipped, len(rep.Failed))
	for _, f := range rep.Failed {
		fmt.Fprintf(out, "  failed %s -> %d: %v\n", f.EventKey, f.ChatID, f.Err)
	}
}
