package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	buzz "nostr-buzz"
	"nostr-buzz/internal/payment"
)

var zapCommand = &cli.Command{
	Name:        "zap",
	Usage:       "Zap a Nostr user",
	ArgsUsage:   "<npub|nprofile|hex|name@domain>",
	Description: `Resolve the recipient's payment endpoint and pay it with the chosen method`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "amount",
			Usage:    "amount in sats, e.g. 21 or 21.5",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "method",
			Value: "lightning",
			Usage: "lightning, cashu or ark",
		},
		&cli.StringFlag{
			Name:  "comment",
			Usage: "comment sent with the payment",
		},
		&cli.StringFlag{
			Name:  "event",
			Usage: "hex id of the event being zapped",
		},
		&cli.StringFlag{
			Name:  "address",
			Usage: "lightning address or lnurl to pay instead of the profile's",
		},
		&cli.BoolFlag{
			Name:  "wallet",
			Usage: "pay the invoice with the configured NWC wallet",
		},
		&cli.BoolFlag{
			Name:  "no-qr",
			Usage: "do not render a QR code",
		},
	},
	Action: zap,
}

func zap(ctx *cli.Context) error {
	identifier := ctx.Args().First()
	if identifier == "" && ctx.String("address") == "" {
		return fmt.Errorf("missing recipient")
	}

	amount, err := payment.ParseSats(ctx.String("amount"))
	if err != nil {
		return err
	}
	method, err := payment.ParseMethod(ctx.String("method"))
	if err != nil {
		return err
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var target payment.Target
	if identifier != "" {
		identity, err := client.LookupIdentity(sigCtx, identifier)
		if err != nil {
			return err
		}
		target = buzz.TargetFor(identity)
		if identity.Profile != nil && identity.Profile.DisplayName != "" {
			fmt.Printf("Zapping %s\n", identity.Profile.DisplayName)
		}
	}
	if addr := ctx.String("address"); addr != "" {
		target.LightningAddress = addr
		target.LNURL = ""
	}

	att, err := client.ResolveAndPay(sigCtx, target, payment.Request{
		AmountMsat: amount,
		Method:     method,
		Comment:    ctx.String("comment"),
		EventID:    ctx.String("event"),
	}, payment.Callbacks{
		OnStateChange: func(s payment.State) {
			fmt.Fprintf(os.Stderr, "state: %s\n", s)
		},
		OnCountdown: func(remaining time.Duration) {
			if remaining%(30*time.Second) < time.Second {
				fmt.Fprintf(os.Stderr, "expires in %s\n", remaining.Round(time.Second))
			}
		},
	})
	if err != nil {
		return err
	}

	art := att.Artifact()
	if art != nil && att.State() == payment.StateAwaitingSettlement {
		if err := present(ctx, art); err != nil {
			return err
		}
		if err := settle(ctx, client, att); err != nil {
			att.Cancel()
			return err
		}
	}

	go func() {
		<-sigCtx.Done()
		att.Cancel()
	}()

	out, err := att.Wait(ctx.Context)
	if err != nil {
		return err
	}
	return report(sigCtx, att, out)
}

func present(ctx *cli.Context, art *payment.Artifact) error {
	fmt.Printf("%s for %s sats\n\n%s\n\n", art.Method, payment.FormatSats(art.AmountMsat), art.Payload())
	if ctx.Bool("no-qr") || art.Method == payment.MethodArk {
		return nil
	}
	qr, err := art.TerminalQR()
	if err != nil {
		return err
	}
	fmt.Println(qr)
	return nil
}

// settle takes the payer-side action for methods that need one.
func settle(ctx *cli.Context, client *buzz.Client, att *payment.Attempt) error {
	switch att.Method() {
	case payment.MethodLightning:
		if !ctx.Bool("wallet") {
			return nil
		}
		if !client.Payments().HasWallet() {
			return payment.ErrNoWallet
		}
		return att.PayWithWallet(ctx.Context)

	case payment.MethodCashu:
		fmt.Print("Press enter once the token has been sent...")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return fmt.Errorf("could not read from console: %w", err)
		}
		return att.Acknowledge()
	}
	return nil
}

func report(ctx context.Context, att *payment.Attempt, out payment.Outcome) error {
	switch out.Status {
	case payment.StateSucceeded:
		fmt.Println("Paid!")
		if out.Preimage != "" {
			fmt.Printf("preimage: %s\n", out.Preimage)
		}
		if receipt := att.Receipt(ctx); receipt != nil {
			fmt.Printf("zap receipt: %s\n", receipt.ID)
		}
		return nil
	case payment.StateCancelled:
		return errors.New("payment cancelled")
	default:
		return fmt.Errorf("payment %s: %s", out.Status, out.Reason)
	}
}
