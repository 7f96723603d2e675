// Command ircctl manages an ircd's link blocks and credentials offline.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"ircnet/auth"
	"ircnet/db"
	"ircnet/irc"
	"ircnet/link"
)

var dbFlag = &cli.StringFlag{
	Name:    "db",
	Usage:   "path to the ircd database",
	Value:   "./ircd.db",
	EnvVars: []string{"IRCD_DB_FILE"},
}

func newApp() *cli.App {
	app := &cli.App{
		Name:        "ircctl",
		Usage:       "ircnet operator tool",
		HideVersion: true,
		Writer:      os.Stdout,
		Before: func(ctx *cli.Context) error {
			_ = godotenv.Load()
			return nil
		},
	}
	app.Commands = []*cli.Command{
		mkpasswdCommand,
		tokenCommand,
		linksCommand,
		auditCommand,
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var mkpasswdCommand = &cli.Command{
	Name:      "mkpasswd",
	Usage:     "print a bcrypt hash for a link or operator password",
	ArgsUsage: "[password]",
	Action: func(ctx *cli.Context) error {
		password := ctx.Args().First()
		if password == "" {
			line, err := bufio.NewReader(ctx.App.Reader).ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			password = strings.TrimSpace(line)
		}
		if password == "" {
			return errors.New("password cannot be empty")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, hash)
		return nil
	},
}

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "sign an admin API token",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", Usage: "JWT signing secret", EnvVars: []string{"JWT_SECRET"}},
		&cli.StringFlag{Name: "subject", Usage: "operator name", Value: "admin", EnvVars: []string{"IRCD_OPER_NAME"}},
		&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 12 * time.Hour},
	},
	Action: func(ctx *cli.Context) error {
		token, err := auth.GenerateToken(ctx.String("secret"), ctx.String("subject"), ctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, token)
		return nil
	},
}

func withStore(ctx *cli.Context, fn func(*db.Store) error) error {
	store, err := db.Open(ctx.String(dbFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

var linksCommand = &cli.Command{
	Name:  "links",
	Usage: "list and edit link blocks",
	Flags: []cli.Flag{dbFlag},
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "show every link block",
			Action: func(ctx *cli.Context) error {
				return withStore(ctx, func(store *db.Store) error {
					links, err := store.ListLinks()
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tTRANSPORT\tADDRESS\tAUTOCONNECT")
					for _, l := range links {
						fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", l.Name, l.Transport, l.Address, l.Autoconnect)
					}
					return w.Flush()
				})
			},
		},
		{
			Name:      "add",
			Usage:     "create or replace a link block",
			ArgsUsage: "<server name>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "address", Usage: "host:port, or a ws:// URL", Required: true},
				&cli.StringFlag{Name: "transport", Usage: "tcp, tls, ws or quic", Value: "tcp"},
				&cli.StringFlag{Name: "send-password", Usage: "password we present", Required: true},
				&cli.StringFlag{Name: "accept-password", Usage: "password the peer must present", Required: true},
				&cli.BoolFlag{Name: "autoconnect", Usage: "dial this server automatically"},
			},
			Action: func(ctx *cli.Context) error {
				name := ctx.Args().First()
				if !irc.ValidServerName(name) {
					return fmt.Errorf("invalid server name %q", name)
				}
				transport := ctx.String("transport")
				if !link.ValidTransport(transport) {
					return fmt.Errorf("unknown transport %q", transport)
				}
				hash, err := auth.HashPassword(ctx.String("accept-password"))
				if err != nil {
					return err
				}
				return withStore(ctx, func(store *db.Store) error {
					err := store.UpsertLink(db.Link{
						Name:         name,
						Address:      ctx.String("address"),
						Transport:    transport,
						SendPassword: ctx.String("send-password"),
						AcceptHash:   hash,
						Autoconnect:  ctx.Bool("autoconnect"),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(ctx.App.Writer, "saved link block %s\n", name)
					return nil
				})
			},
		},
		{
			Name:      "delete",
			Usage:     "remove a link block",
			ArgsUsage: "<server name>",
			Action: func(ctx *cli.Context) error {
				name := ctx.Args().First()
				return withStore(ctx, func(store *db.Store) error {
					if err := store.DeleteLink(name); err != nil {
						return err
					}
					fmt.Fprintf(ctx.App.Writer, "deleted link block %s\n", name)
					return nil
				})
			},
		},
	},
}

var auditCommand = &cli.Command{
	Name:  "audit",
	Usage: "print recent operator notifications",
	Flags: []cli.Flag{
		dbFlag,
		&cli.IntFlag{Name: "limit", Usage: "number of entries", Value: 50},
	},
	Action: func(ctx *cli.Context) error {
		return withStore(ctx, func(store *db.Store) error {
			entries, err := store.ListAudit(ctx.Int("limit"))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(ctx.App.Writer, "%s  %-18s %s\n", e.CreatedAt.Format(time.RFC3339), e.Event, e.Detail)
			}
			return nil
		})
	},
}
