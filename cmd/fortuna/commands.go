package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/wnt/fortuna/internal/app"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/tiers"
)

func commands() []*cli.Command {
	drawFlag := &cli.StringFlag{Name: "draw", Usage: "Draw ID", Required: true}
	payoutFlag := &cli.StringFlag{Name: "payout", Usage: "Payout ID", Required: true}

	return []*cli.Command{
		{
			Name:        "serve",
			Usage:       "Start the HTTP API, scheduler and settlement workers",
			Category:    "Service",
			Description: `Runs until interrupted. Requires TREASURY_PRIVATE_KEY.`,
			Action:      withApp(serve),
		},
		{
			Name:     "migrate",
			Usage:    "Create or update the ledger schema",
			Category: "Operator",
			Action:   withApp(migrate),
		},
		{
			Name:     "reconcile",
			Usage:    "Verify every user's stats against their history",
			Category: "Operator",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "repair", Usage: "Rebuild mismatched stats from history"},
			},
			Action: withApp(reconcile),
		},
		{
			Name:     "settle",
			Usage:    "Run one settlement step for a payout",
			Category: "Operator",
			Flags:    []cli.Flag{payoutFlag},
			Action:   withApp(settle),
		},
		{
			Name:     "stalled",
			Usage:    "List stalled draws and payouts waiting for manual review",
			Category: "Operator",
			Action:   withApp(stalled),
		},
		{
			Name:     "retry-draw",
			Usage:    "Return a stalled draw to the scheduler",
			Category: "Operator",
			Flags:    []cli.Flag{drawFlag},
			Action:   withApp(retryDraw),
		},
		{
			Name:     "retry-payout",
			Usage:    "Return a manual-review payout to settlement",
			Category: "Operator",
			Flags:    []cli.Flag{payoutFlag},
			Action:   withApp(retryPayout),
		},
		{
			Name:     "verify-draw",
			Usage:    "Recompute a completed draw's winners from its beacon and pool",
			Category: "Operator",
			Flags:    []cli.Flag{drawFlag},
			Action:   withApp(verifyDraw),
		},
	}
}

func withApp(fn func(c *cli.Context, a *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := loadApp(c)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}

func serve(c *cli.Context, a *app.App) error {
	return a.Serve(c.Context)
}

// migrate relies on app.New, which migrates while connecting.
func migrate(c *cli.Context, a *app.App) error {
	a.Logger.Info().Msg("Ledger schema is up to date")
	return nil
}

func reconcile(c *cli.Context, a *app.App) error {
	summary, err := a.Aggregator.ReconcileAll(c.Context, c.Bool("repair"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "checked=%d violations=%d repaired=%d\n",
		summary.Checked, summary.Violations, summary.Repaired)
	if summary.Violations > summary.Repaired {
		return cli.Exit("stats mismatches found", 1)
	}
	return nil
}

func settle(c *cli.Context, a *app.App) error {
	settler, err := a.Settler()
	if err != nil {
		return err
	}
	p, err := settler.Settle(c.Context, c.String("payout"))
	if p != nil {
		printPayout(c, p)
	}
	return err
}

func stalled(c *cli.Context, a *app.App) error {
	draws, err := a.Store.DrawsByStatus(c.Context, models.DrawStatusStalled)
	if err != nil {
		return err
	}
	payouts, err := a.Store.PayoutsByStatus(c.Context, models.PayoutStatusManualReview)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DRAW\tTIER\tDRAW TIME\tATTEMPTS\tLAST ERROR")
	for _, d := range draws {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Tier, d.DrawTime.UTC().Format("2006-01-02 15:04"), d.Attempts, d.LastError)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PAYOUT\tUSER\tAMOUNT\tATTEMPTS\tLAST ERROR")
	for _, p := range payouts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.UserID, tiers.FormatSOL(p.Amount), p.Attempts, p.LastError)
	}
	return w.Flush()
}

func retryDraw(c *cli.Context, a *app.App) error {
	return a.Scheduler().RetryStalledDraw(c.Context, c.String("draw"))
}

func retryPayout(c *cli.Context, a *app.App) error {
	settler, err := a.Settler()
	if err != nil {
		return err
	}
	p, err := settler.RetryManualPayout(c.Context, c.String("payout"))
	if err != nil {
		return err
	}
	printPayout(c, p)
	return nil
}

func verifyDraw(c *cli.Context, a *app.App) error {
	ok, err := a.Executor.Verify(c.Context, c.String("draw"))
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("draw does not verify against its beacon and pool", 1)
	}
	fmt.Fprintln(c.App.Writer, "draw verified")
	return nil
}

func printPayout(c *cli.Context, p *models.Payout) {
	sig := "-"
	if p.Signature != nil {
		sig = *p.Signature
	}
	fmt.Fprintf(c.App.Writer, "payout=%s status=%s attempts=%d signature=%s\n", p.ID, p.Status, p.Attempts, sig)
}
