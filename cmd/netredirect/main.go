package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/sctnightcore/netredirect/internal/config"
	"github.com/sctnightcore/netredirect/internal/dnsproxy"
	"github.com/sctnightcore/netredirect/internal/engine"
	"github.com/sctnightcore/netredirect/internal/logging"
	"github.com/sctnightcore/netredirect/internal/rules"
	"github.com/sctnightcore/netredirect/version"
)

// Populated through -ldflags at release time.
var (
	commit = "none"
	build  = "dev"
)

func main() {
	cmd := config.CreateCommand(run, version.VERSION, commit, build)
	cmd.Commands = []*cli.Command{
		checkCommand(),
		rulesCommand(),
		serveDNSCommand(),
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run attaches the redirect engine to this process and holds it until a
// signal arrives. Outbound dials and lookups made by anything loaded
// into this process follow the rule table while it runs.
func run(ctx context.Context, configPath string, cfg *config.Config) error {
	logging.SetGlobalLogger(ctx, os.Stdout, cfg.Level())
	logger := logging.WithScope(log.Logger, "MAIN")

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}

	if !cfg.Silent() {
		printBanner(cfg, configPath)
	}

	eng := engine.New(log.Logger)
	if err := eng.Attach(ctx, opts); err != nil {
		return err
	}

	logger.Info().
		Int("rules", opts.Table.Len()).
		Msg("attached, redirecting this process")

	sigs := make(chan os.Signal, 1)
	signal.Notify(
		sigs,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGHUP)

	<-sigs

	if err := eng.Detach(); err != nil {
		logging.ErrorUnwrapped(&logger, "error while detaching", err)
	}

	return nil
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "validate the configuration and rule table",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, configPath, err := config.FromCommand(cmd)
			if err != nil {
				return err
			}

			table, err := cfg.Table()
			if err != nil {
				return err
			}

			if configPath == "" {
				configPath = "(defaults)"
			}

			pterm.Success.Printfln("%s: %d rules ok", configPath, table.Len())
			return nil
		},
	}
}

func rulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "print the effective rule table",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := config.FromCommand(cmd)
			if err != nil {
				return err
			}

			table, err := cfg.Table()
			if err != nil {
				return err
			}

			rows := pterm.TableData{{"#", "NAME", "MATCH", "TARGET", "MODE"}}
			for i, r := range table.Rules() {
				rows = append(rows, []string{
					fmt.Sprint(i),
					r.Name,
					matchColumn(r),
					r.Target.String(),
					modeColumn(r),
				})
			}

			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

func serveDNSCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-dns",
		Usage: "run the DNS rewrite server standalone",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := config.FromCommand(cmd)
			if err != nil {
				return err
			}

			logging.SetGlobalLogger(ctx, os.Stdout, cfg.Level())
			logger := logging.WithScope(log.Logger, "DNS")

			table, err := cfg.Table()
			if err != nil {
				return err
			}

			opts, err := cfg.EngineOptions()
			if err != nil {
				return err
			}

			correlator := rules.NewCorrelator(opts.CorrelationTTL)
			proxy := dnsproxy.New(logger, table, correlator, opts.DNS)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go correlator.Janitor(ctx, time.Minute)
			go proxy.Janitor(ctx, time.Minute)

			addr := cfg.DNSListenAddr()
			logger.Info().
				Str("addr", addr).
				Str("upstream", proxy.Upstream()).
				Msg("dns rewrite server listening")

			return proxy.ListenAndServe(ctx, addr)
		},
	}
}

func printBanner(cfg *config.Config, configPath string) {
	cyan := putils.LettersFromStringWithStyle("Net", pterm.NewStyle(pterm.FgCyan))
	purple := putils.LettersFromStringWithStyle("Redirect", pterm.NewStyle(pterm.FgLightMagenta))
	_ = pterm.DefaultBigText.WithLetters(cyan, purple).Render()

	if configPath == "" {
		configPath = "(defaults)"
	}

	_ = pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "CONFIG  : " + configPath},
		{Level: 0, Text: "RULES   : " + fmt.Sprint(len(cfg.Rules))},
		{Level: 0, Text: "RELAY   : " + relayLine(cfg)},
		{Level: 0, Text: "DNS     : " + upstreamLine(cfg)},
	}).Render()

	pterm.DefaultBasicText.Println("Press 'CTRL + c' to quit")
}

func relayLine(cfg *config.Config) string {
	if cfg.Relay == nil || cfg.Relay.Enabled == nil || !*cfg.Relay.Enabled {
		return "off"
	}

	if cfg.Relay.Addr != nil {
		return *cfg.Relay.Addr
	}

	return "on"
}

func upstreamLine(cfg *config.Config) string {
	if cfg.DNS == nil || cfg.DNS.Upstream == nil {
		return dnsproxy.DefaultUpstream
	}

	return *cfg.DNS.Upstream
}

func matchColumn(r *rules.Rule) string {
	var match string
	switch {
	case r.Host != "" && r.Addr.IsValid():
		match = fmt.Sprintf("%s|%s", r.Host, r.Addr)
	case r.Host != "":
		match = r.Host
	default:
		match = r.Addr.String()
	}

	if r.Port != 0 {
		match = fmt.Sprintf("%s:%d", match, r.Port)
	}

	return match
}

func modeColumn(r *rules.Rule) string {
	switch {
	case r.Takeover:
		return "takeover"
	case r.Mirror:
		return "mirror"
	default:
		return "redirect"
	}
}
