package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sctnightcore/netredirect/internal/ptr"
)

func CreateCommand(
	runFunc func(ctx context.Context, configPath string, cfg *Config) error,
	version string,
	commit string,
	build string,
) *cli.Command {
	cli.RootCommandHelpTemplate = createHelpTemplate()

	cmd := &cli.Command{
		Name:        "netredirect",
		Description: "Transparent connection and name-resolution redirection for host processes",
		Copyright:   "Apache License, Version 2.0, January 2004",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name: "clean",
				Usage: `
				if set, all configuration files will be ignored`,
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage: `
				Custom location of the config file to load. Options given through the command
				line flags will override the options set in this file.`,
				OnlyOnce: true,
				Sources:  cli.EnvVars(EnvConfigPath),
			},

			&cli.StringFlag{
				Name: "dns-listen",
				Usage: `
				Address for the standalone DNS rewrite server (default: 127.0.0.1:5353)`,
				Value:     "127.0.0.1:5353",
				OnlyOnce:  true,
				Validator: validateHostPort,
			},

			&cli.StringFlag{
				Name: "dns-upstream",
				Usage: `
				Upstream resolver queries are forwarded to when no rule answers
				them (default: 8.8.8.8:53)`,
				Value:     "8.8.8.8:53",
				OnlyOnce:  true,
				Validator: validateHostPort,
			},

			&cli.StringFlag{
				Name: "log-level",
				Usage: `
				Set log level (default: 'info')`,
				Value:     "info",
				OnlyOnce:  true,
				Validator: validateLogLevel,
			},

			&cli.BoolFlag{
				Name: "native-hooks",
				Usage: `
				Patch the native socket functions in addition to the dialer.
				Only effective on windows (default: true)`,
				Value:    true,
				OnlyOnce: true,
			},

			&cli.IntFlag{
				Name: "ping-interval",
				Usage: `
				Relay keepalive interval in milliseconds (default: 5000)`,
				Value:     5000,
				OnlyOnce:  true,
				Validator: validateMillis,
			},

			&cli.IntFlag{
				Name: "reconnect-interval",
				Usage: `
				Delay in milliseconds before redialing a lost relay companion
				(default: 3000)`,
				Value:     3000,
				OnlyOnce:  true,
				Validator: validateMillis,
			},

			&cli.BoolFlag{
				Name: "relay",
				Usage: `
				Mirror redirected traffic to the relay companion (default: false)`,
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name: "relay-addr",
				Usage: `
				Address of the relay companion (default: 127.0.0.1:2350)`,
				Value:     "127.0.0.1:2350",
				OnlyOnce:  true,
				Validator: validateHostPort,
			},

			&cli.StringSliceFlag{
				Name: "rule",
				Usage: `
				Redirect rule in 'match=target' form, where match is a literal
				endpoint, a bare address, or a host pattern with an optional port,
				and target is always 'addr:port'. Append ',mirror' or ',takeover'
				to hand the traffic to the relay companion.
				This flag can be given multiple times.`,
				Validator: validateRuleSpecs,
			},

			&cli.BoolFlag{
				Name: "silent",
				Usage: `
				Do not show the banner and rule table at start up`,
				OnlyOnce: true,
			},

			&cli.BoolFlag{
				Name: "version",
				Usage: `
				Print version; this may contain some other relevant information`,
				Aliases:  []string{"v"},
				OnlyOnce: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("version") {
				fmt.Printf("netredirect %s %s (%s)\n", version, commit, build)
				fmt.Println("https://github.com/sctnightcore/netredirect")
				os.Exit(0)
			}

			cfg, configPath, err := FromCommand(cmd)
			if err != nil {
				return err
			}

			return runFunc(ctx, configPath, cfg)
		},
	}

	cli.HelpFlag = &cli.BoolFlag{
		Name:    "help",
		Aliases: []string{"h"},
		Usage: `
        show help`,
	}

	return cmd
}

// FromCommand resolves the effective configuration for a parsed command:
// built-in defaults, then the config file, then explicitly set flags.
// Subcommands share it with the root action.
func FromCommand(cmd *cli.Command) (*Config, string, error) {
	var fileCfg *Config
	var configPath string

	if !cmd.Bool("clean") {
		var err error

		fileCfg, configPath, err = Load(cmd.String("config"))
		if err != nil {
			return nil, "", err
		}

		// Load already layered the defaults underneath.
		flagsCfg, err := parseConfigFromFlags(cmd)
		if err != nil {
			return nil, "", fmt.Errorf("error parsing config from args: %w", err)
		}

		return fileCfg.Merge(flagsCfg), configPath, nil
	}

	flagsCfg, err := parseConfigFromFlags(cmd)
	if err != nil {
		return nil, "", fmt.Errorf("error parsing config from args: %w", err)
	}

	return Default().Merge(flagsCfg), "", nil
}

func createHelpTemplate() string {
	return fmt.Sprintf(`DESCRIPTION:
  %s{{if .Copyright }}
COPYRIGHT:
  {{.Copyright}}{{end}}
USAGE:
  %s {{if .Flags}}%s{{end}}{{if .Commands}}
GLOBAL OPTIONS:
  {{range .VisibleFlags}}%s{{if .Aliases}}{{range .Aliases}}%s{{end}}{{end}} %s %s %s
	{{end}}{{end}}
	`,
		"{{.Name}} - {{.Description}}",
		"{{.Name}}",
		"[global options]",
		"--{{.Name}}",
		", -{{.}}",
		"{{.TypeName}}",
		"{{.Usage}}",
		"{{.DefaultText}}",
	)
}

// parseConfigFromFlags builds a Config holding only the flags the user
// actually set, so that merging it on top of the file never clobbers
// file values with flag defaults.
func parseConfigFromFlags(cmd *cli.Command) (*Config, error) {
	cfg := &Config{
		General: &GeneralOptions{},
		DNS:     &DNSOptions{},
		Relay:   &RelayOptions{},
	}

	if cmd.IsSet("log-level") {
		cfg.General.LogLevel = ptr.FromValue(MustParseLogLevel(cmd.String("log-level")))
	}

	if cmd.IsSet("silent") {
		cfg.General.Silent = ptr.FromValue(cmd.Bool("silent"))
	}

	if cmd.IsSet("native-hooks") {
		cfg.General.NativeHooks = ptr.FromValue(cmd.Bool("native-hooks"))
	}

	if cmd.IsSet("dns-upstream") {
		cfg.DNS.Upstream = ptr.FromValue(cmd.String("dns-upstream"))
	}

	if cmd.IsSet("dns-listen") {
		cfg.DNS.ListenAddr = ptr.FromValue(cmd.String("dns-listen"))
	}

	if cmd.IsSet("relay") {
		cfg.Relay.Enabled = ptr.FromValue(cmd.Bool("relay"))
	}

	if cmd.IsSet("relay-addr") {
		cfg.Relay.Addr = ptr.FromValue(cmd.String("relay-addr"))
	}

	if cmd.IsSet("reconnect-interval") {
		interval := time.Duration(cmd.Int("reconnect-interval")) * time.Millisecond
		cfg.Relay.ReconnectInterval = ptr.FromValue(interval)
	}

	if cmd.IsSet("ping-interval") {
		interval := time.Duration(cmd.Int("ping-interval")) * time.Millisecond
		cfg.Relay.PingInterval = ptr.FromValue(interval)
	}

	for _, spec := range cmd.StringSlice("rule") {
		entry, err := parseRuleSpec(spec)
		if err != nil {
			return nil, err
		}

		cfg.Rules = append(cfg.Rules, entry)
	}

	return cfg, nil
}
