package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/iamwavecut/ngguard/internal/db"
	handlers "github.com/iamwavecut/ngguard/internal/handlers/chat"
	"github.com/iamwavecut/ngguard/internal/handlers/moderation"
	"github.com/iamwavecut/ngguard/internal/policy/rules"
	"github.com/iamwavecut/ngguard/internal/settings"
	"github.com/iamwavecut/ngguard/internal/state"
)

const timeLayout = "2006-01-02 15:04"

func violatorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "violators",
		Usage: "inspect and edit the global violator list",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 50}},
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					list, err := moderation.NewViolators(store, nil).List(ctx, cctx.Int("limit"))
					if err != nil {
						return err
					}
					for _, v := range list {
						expires := "never"
						if v.ExpiresAt != nil {
							expires = v.ExpiresAt.UTC().Format(timeLayout)
						}
						fmt.Fprintf(cctx.App.Writer, "%d\t%s\tx%d\tlast %s\texpires %s\t%s\n",
							v.UserID, v.Action, v.ViolationCount,
							v.LastViolation.UTC().Format(timeLayout), expires,
							strings.Join(v.MatchedWords, ","))
					}
					return nil
				}),
			},
			{
				Name:      "remove",
				ArgsUsage: "<user_id>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					userID, err := int64Arg(cctx, 0, "user_id")
					if err != nil {
						return err
					}
					removed, err := moderation.NewViolators(store, nil).Remove(ctx, userID)
					if err != nil {
						return err
					}
					log.Info().Int64("user_id", userID).Bool("removed", removed).Msg("violator remove")
					return nil
				}),
			},
			{
				Name: "clear",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					n, err := moderation.NewViolators(store, nil).Clear(ctx)
					if err != nil {
						return err
					}
					log.Info().Int64("removed", n).Msg("violators cleared")
					return nil
				}),
			},
			{
				Name:  "cleanup",
				Usage: "drop expired records",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					n, err := moderation.NewViolators(store, nil).CleanupExpired(ctx, time.Now())
					if err != nil {
						return err
					}
					log.Info().Int64("removed", n).Msg("expired violators removed")
					return nil
				}),
			},
		},
	}
}

func rulesCommand() *cli.Command {
	engine := func(store db.RuleStore) *rules.Engine {
		return rules.NewEngine(store, state.NewMemoryWindowStore())
	}
	return &cli.Command{
		Name:  "rules",
		Usage: "manage content rules of a chat",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				ArgsUsage: "<chat_id>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					list, err := engine(store).Rules(ctx, chatID)
					if err != nil {
						return err
					}
					for _, r := range list {
						fmt.Fprintln(cctx.App.Writer, handlers.FormatRule(r))
					}
					return nil
				}),
			},
			{
				Name:      "add",
				ArgsUsage: "<chat_id> <word|regex> <pattern>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "action", Value: string(db.ActionDelete)},
					&cli.StringFlag{Name: "reply", Usage: "reply text for the reply action"},
					&cli.IntFlag{Name: "escalate-after", Usage: "hits within the cooldown that trigger escalation"},
					&cli.DurationFlag{Name: "cooldown"},
					&cli.StringFlag{Name: "escalate-to"},
				},
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					if cctx.NArg() < 3 {
						return fmt.Errorf("usage: rules add %s", cctx.Command.ArgsUsage)
					}
					rule := &db.ContentRule{
						ChatID:    chatID,
						Kind:      db.RuleKind(cctx.Args().Get(1)),
						Pattern:   strings.Join(cctx.Args().Slice()[2:], " "),
						Action:    db.Action(cctx.String("action")),
						ReplyText: cctx.String("reply"),
						Escalation: db.RuleEscalation{
							Threshold:   cctx.Int("escalate-after"),
							CooldownSec: int(cctx.Duration("cooldown").Seconds()),
							Action:      db.Action(cctx.String("escalate-to")),
						},
					}
					created, err := engine(store).AddRule(ctx, rule)
					if err != nil {
						return err
					}
					fmt.Fprintln(cctx.App.Writer, handlers.FormatRule(created))
					return nil
				}),
			},
			{
				Name:      "delete",
				ArgsUsage: "<chat_id> <rule_id>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					ruleID, err := int64Arg(cctx, 1, "rule_id")
					if err != nil {
						return err
					}
					deleted, err := engine(store).DeleteRule(ctx, chatID, ruleID)
					if err != nil {
						return err
					}
					log.Info().Int64("chat_id", chatID).Int64("rule_id", ruleID).Bool("deleted", deleted).Msg("rule delete")
					return nil
				}),
			},
		},
	}
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "inspect automation jobs",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				ArgsUsage: "[chat_id]",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					var (
						jobs []*db.AutomationJob
						err  error
					)
					if cctx.NArg() > 0 {
						chatID, perr := int64Arg(cctx, 0, "chat_id")
						if perr != nil {
							return perr
						}
						jobs, err = store.ListJobsByChat(ctx, chatID)
					} else {
						jobs, err = store.ListJobs(ctx)
					}
					if err != nil {
						return err
					}
					for _, job := range jobs {
						fmt.Fprintf(cctx.App.Writer, "%d\t%s\n", job.ChatID, handlers.FormatJob(job))
					}
					return nil
				}),
			},
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "read the moderation audit log",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "show recent actions in a chat",
				ArgsUsage: "<chat_id>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "limit", Value: 50}},
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					entries, err := store.ListAudit(ctx, chatID, cctx.Int("limit"))
					if err != nil {
						return err
					}
					for _, e := range entries {
						fmt.Fprintf(cctx.App.Writer, "%s\t%s\tactor %d\ttarget %d\t%s\n",
							e.CreatedAt.UTC().Format(timeLayout), e.Action, e.ActorID, e.TargetUserID, e.TraceID)
					}
					return nil
				}),
			},
		},
	}
}

func blacklistCommand() *cli.Command {
	return &cli.Command{
		Name:  "blacklist",
		Usage: "manage the global blacklist",
		Subcommands: []*cli.Command{
			{
				Name:      "load",
				ArgsUsage: "<file.yaml>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					data, err := os.ReadFile(cctx.Args().First())
					if err != nil {
						return err
					}
					list, err := settings.ParseBlacklist(data)
					if err != nil {
						return err
					}
					if err := settingsService(store).Set(ctx, db.GlobalSettingsChat, db.SettingsKeyGlobalBlacklist, list); err != nil {
						return err
					}
					log.Info().Int("words", len(list.Words)).Str("action", string(list.Action)).Msg("global blacklist loaded")
					return nil
				}),
			},
			{
				Name: "show",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					list := settingsService(store).GlobalBlacklist(ctx)
					fmt.Fprintf(cctx.App.Writer, "action: %s\nwords: %s\n", list.Action, strings.Join(list.Words, ", "))
					return nil
				}),
			},
		},
	}
}

func antispamCommand() *cli.Command {
	return &cli.Command{
		Name:  "antispam",
		Usage: "show or preset a chat's flood limits",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				ArgsUsage: "<chat_id>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					printAntispam(cctx, settingsService(store).Antispam(ctx, chatID))
					return nil
				}),
			},
			{
				Name:      "preset",
				ArgsUsage: "<chat_id> <lenient|normal|strict>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					name := cctx.Args().Get(1)
					if name == "" {
						return fmt.Errorf("usage: antispam preset %s", cctx.Command.ArgsUsage)
					}
					cfg, err := settingsService(store).ApplyPreset(ctx, chatID, name)
					if err != nil {
						return err
					}
					log.Info().Int64("chat_id", chatID).Str("preset", name).Msg("antispam preset applied")
					printAntispam(cctx, cfg)
					return nil
				}),
			},
		},
	}
}

func printAntispam(cctx *cli.Context, cfg db.AntispamSettings) {
	preset := cfg.Preset
	if preset == "" {
		preset = db.PresetCustom
	}
	fmt.Fprintf(cctx.App.Writer, "preset: %s\nwindow: %s\nthreshold: %d\nmute: %s\nban: %s\n",
		preset, cfg.Window(), cfg.Threshold, cfg.MuteDuration(), cfg.BanDuration())
}

func bundleCommand() *cli.Command {
	return &cli.Command{
		Name:  "bundle",
		Usage: "export or import a chat's settings and rules as YAML",
		Subcommands: []*cli.Command{
			{
				Name:      "export",
				ArgsUsage: "<chat_id> [file.yaml]",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					return exportBundle(ctx, store, cctx, chatID, cctx.Args().Get(1))
				}),
			},
			{
				Name:      "import",
				ArgsUsage: "<chat_id> <file.yaml>",
				Action: withStore(func(ctx context.Context, store db.Client, cctx *cli.Context) error {
					chatID, err := int64Arg(cctx, 0, "chat_id")
					if err != nil {
						return err
					}
					return importBundle(ctx, store, chatID, cctx.Args().Get(1))
				}),
			},
		},
	}
}

func exportBundle(ctx context.Context, store db.Client, cctx *cli.Context, chatID int64, path string) error {
	engine := rules.NewEngine(store, state.NewMemoryWindowStore())
	bundle, err := settingsService(store).ExportBundle(ctx, engine, chatID)
	if err != nil {
		return err
	}
	data, err := bundle.Marshal()
	if err != nil {
		return err
	}
	if path == "" {
		_, err = cctx.App.Writer.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func importBundle(ctx context.Context, store db.Client, chatID int64, path string) error {
	if path == "" {
		return fmt.Errorf("bundle file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	bundle, err := settings.ParseBundle(data)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(store, state.NewMemoryWindowStore())
	return settingsService(store).ImportBundle(ctx, engine, chatID, bundle)
}

func int64Arg(cctx *cli.Context, i int, name string) (int64, error) {
	raw := cctx.Args().Get(i)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}
