package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/worldcoins-backend/catalog"
	"github.com/ruteri/worldcoins-backend/cmd/flags"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/journal"
	"github.com/ruteri/worldcoins-backend/ledger"
	"github.com/ruteri/worldcoins-backend/settlement"
)

var flagUser = &cli.StringFlag{
	Name:     "user",
	Required: true,
	Usage:    "user address, 0x-prefixed",
}

var flagToken = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "token address, 0x-prefixed",
}

var flagSettlementID = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "settlement id as returned in settlementId",
}

var flagLimit = &cli.IntFlag{
	Name:  "limit",
	Value: 100,
	Usage: "maximum number of settlements listed",
}

var flagReconcile = &cli.BoolFlag{
	Name:  "reconcile",
	Usage: "reconcile every listed settlement",
}

func main() {
	app := &cli.App{
		Name:  "ledger_client",
		Usage: "Read the token factory and reconcile ambiguous settlements",
		Flags: append(append([]cli.Flag{flags.LogDebugFlag, flags.LogJsonFlag, flags.LogUidFlag,
			flags.LogServiceFlagFn("ledger-client")}, flags.LedgerFlags...), flags.JournalFlag),
		Commands: []*cli.Command{
			{
				Name:  "tokens",
				Usage: "list every factory token with details and claim stats",
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.Tokens(cCtx)
				},
			},
			{
				Name:  "token-by-creator",
				Usage: "show the token created by --user",
				Flags: []cli.Flag{flagUser},
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.TokenByCreator(cCtx)
				},
			},
			{
				Name:  "has-created",
				Usage: "report whether --user has created a token",
				Flags: []cli.Flag{flagUser},
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.HasCreated(cCtx)
				},
			},
			{
				Name:  "has-claimed",
				Usage: "report whether --user has claimed --token",
				Flags: []cli.Flag{flagUser, flagToken},
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.HasClaimed(cCtx)
				},
			},
			{
				Name:        "reconcile",
				Usage:       "resolve an ambiguous settlement from the journal",
				Description: "Reads the receipt and entitlement predicate for the journaled settlement. Nothing is submitted.",
				Flags:       []cli.Flag{flagSettlementID},
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.Reconcile(cCtx)
				},
			},
			{
				Name:        "list-ambiguous",
				Usage:       "list journaled settlements that ended Ambiguous",
				Description: "Requires a sqlite:// journal. Ids are listed most recent first per journal.",
				Flags:       []cli.Flag{flagLimit, flagReconcile},
				Action: func(cCtx *cli.Context) error {
					c, err := NewClient(cCtx)
					if err != nil {
						return err
					}
					return c.ListAmbiguous(cCtx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Client struct {
	ledger  *ledger.FactoryClient
	catalog *catalog.Catalog
	log     *slog.Logger
}

func NewClient(cCtx *cli.Context) (*Client, error) {
	logger := flags.SetupLogger(cCtx)
	factoryClient, _, err := flags.DialLedger(cCtx, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		ledger:  factoryClient,
		catalog: catalog.NewCatalog(factoryClient, 0, logger),
		log:     logger,
	}, nil
}

func (c *Client) Tokens(cCtx *cli.Context) error {
	tokens, err := c.catalog.ListTokens(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(tokens)
}

func (c *Client) TokenByCreator(cCtx *cli.Context) error {
	creator, err := interfaces.ParseAddress(cCtx.String(flagUser.Name))
	if err != nil {
		return fmt.Errorf("could not parse user address: %w", err)
	}
	token, err := c.catalog.TokenByCreator(cCtx.Context, creator)
	if err != nil {
		return err
	}
	if token == nil {
		fmt.Println("no token created by this address")
		return nil
	}
	return printJSON(token)
}

func (c *Client) HasCreated(cCtx *cli.Context) error {
	user, err := interfaces.ParseAddress(cCtx.String(flagUser.Name))
	if err != nil {
		return fmt.Errorf("could not parse user address: %w", err)
	}
	created, err := c.ledger.HasCreatedToken(cCtx.Context, user)
	if err != nil {
		return err
	}
	fmt.Println(created)
	return nil
}

func (c *Client) HasClaimed(cCtx *cli.Context) error {
	user, err := interfaces.ParseAddress(cCtx.String(flagUser.Name))
	if err != nil {
		return fmt.Errorf("could not parse user address: %w", err)
	}
	token, err := interfaces.ParseAddress(cCtx.String(flagToken.Name))
	if err != nil {
		return fmt.Errorf("could not parse token address: %w", err)
	}
	claimed, err := c.ledger.HasUserClaimed(cCtx.Context, user, token)
	if err != nil {
		return err
	}
	fmt.Println(claimed)
	return nil
}

func (c *Client) openJournal(cCtx *cli.Context) (interfaces.Journal, func(), error) {
	uris := cCtx.StringSlice(flags.JournalFlag.Name)
	if len(uris) == 0 {
		return nil, nil, errors.New("at least one --journal is required")
	}
	settlementJournal, err := journal.NewFactory(c.log).CreateMultiJournal(uris)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open settlement journal: %w", err)
	}
	closeFn := func() {
		if closer, ok := settlementJournal.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Warn("Failed to close settlement journal", "err", err)
			}
		}
	}
	return settlementJournal, closeFn, nil
}

func (c *Client) Reconcile(cCtx *cli.Context) error {
	settlementJournal, closeJournal, err := c.openJournal(cCtx)
	if err != nil {
		return err
	}
	defer closeJournal()

	rec, err := settlement.NewReconciler(c.ledger, settlementJournal, c.log).
		ReconcileID(cCtx.Context, cCtx.String(flagSettlementID.Name))
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func (c *Client) ListAmbiguous(cCtx *cli.Context) error {
	settlementJournal, closeJournal, err := c.openJournal(cCtx)
	if err != nil {
		return err
	}
	defer closeJournal()

	lister, ok := settlementJournal.(journal.ErrorKindLister)
	if !ok {
		return fmt.Errorf("journal %s cannot list settlements, configure a sqlite:// journal", settlementJournal.LocationURI())
	}
	ids, err := lister.ListByErrorKind(cCtx.Context, interfaces.KindAmbiguous, cCtx.Int(flagLimit.Name))
	if err != nil {
		return err
	}
	if !cCtx.Bool(flagReconcile.Name) {
		return printJSON(ids)
	}

	reconciler := settlement.NewReconciler(c.ledger, settlementJournal, c.log)
	results := make([]*settlement.Reconciliation, 0, len(ids))
	for _, id := range ids {
		rec, err := reconciler.ReconcileID(cCtx.Context, id)
		if err != nil {
			c.log.Error("Failed to reconcile settlement", slog.String("settlementId", id), "err", err)
			continue
		}
		results = append(results, rec)
	}
	return printJSON(results)
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
