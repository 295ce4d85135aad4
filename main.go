package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"threshold-voting/api"
	"threshold-voting/audit"
	"threshold-voting/config"
	"threshold-voting/logging"
	"threshold-voting/models"
	"threshold-voting/prime"
	"threshold-voting/service"
	"threshold-voting/shamir"
	"threshold-voting/storage"
)

var (
	conf   config.Config
	logger *slog.Logger
)

var cmds = cli.Commands{
	{
		Name:  "setup",
		Usage: "create the election key and print the shares to distribute",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "bits, b", Usage: "prime size in bits (default from config)"},
			cli.IntFlag{Name: "threshold, k", Usage: "shares needed to reconstruct the key"},
			cli.IntFlag{Name: "shares, n", Usage: "number of shares to create"},
			cli.BoolFlag{Name: "persist-key", Usage: "store the key and shares in the meta record"},
			cli.BoolFlag{Name: "force", Usage: "replace an existing election"},
		},
		Action: setup,
	},
	{
		Name:  "prime",
		Usage: "generate and print a probable prime",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "bits, b", Value: prime.DefaultBits, Usage: "prime size in bits"},
		},
		Action: genPrime,
	},
	{
		Name:      "split",
		Usage:     "split a decimal secret into shares",
		ArgsUsage: "<secret>",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "threshold, k", Value: 3, Usage: "shares needed to reconstruct"},
			cli.IntFlag{Name: "shares, n", Value: 5, Usage: "number of shares to create"},
			cli.StringFlag{Name: "prime, p", Usage: "decimal prime modulus (generated when empty)"},
			cli.IntFlag{Name: "bits, b", Value: prime.DefaultBits, Usage: "prime size when generating"},
		},
		Action: split,
	},
	{
		Name:      "reconstruct",
		Usage:     "reconstruct a secret from shares",
		ArgsUsage: "<x:y,x:y,...>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "prime, p", Usage: "decimal prime modulus"},
		},
		Action: reconstruct,
	},
	{
		Name:   "verify",
		Usage:  "verify the stored audit chain",
		Action: verify,
	},
	{
		Name:      "tally",
		Usage:     "decrypt and count the stored ballots",
		ArgsUsage: "<x:y,x:y,...>",
		Action:    tally,
	},
	{
		Name:   "serve",
		Usage:  "run the HTTP API",
		Action: serve,
	},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "election"
	cliApp.Usage = "Threshold-secrecy election backend."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			EnvVar: config.EnvPrefix + "CONFIG",
			Usage:  "path to a yaml, toml or json config file",
		},
		cli.StringFlag{Name: "data-dir, d", Usage: "override the data directory"},
		cli.StringFlag{Name: "store", Usage: "override the record store (json or bolt)"},
		cli.StringFlag{Name: "log-level", Usage: "override the log level"},
	}
	cliApp.Before = func(c *cli.Context) error {
		var err error
		conf, err = config.Load(c.String("config"))
		if err != nil {
			return err
		}
		if v := c.String("data-dir"); v != "" {
			conf.DataDir = v
		}
		if v := c.String("store"); v != "" {
			conf.Store = v
		}
		if v := c.String("log-level"); v != "" {
			conf.Log.Level = v
		}
		if err := conf.Validate(); err != nil {
			return err
		}

		logger = logging.New(logging.Config{
			Level:     conf.Log.Level,
			Format:    conf.Log.Format,
			AddSource: conf.Log.AddSource,
		})
		slog.SetDefault(logger)
		return nil
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

func setup(c *cli.Context) error {
	svc, err := service.Open(conf, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := svc.Setup(ctx, service.SetupOptions{
		Bits:       c.Int("bits"),
		Threshold:  c.Int("threshold"),
		Total:      c.Int("shares"),
		PersistKey: c.Bool("persist-key"),
		Force:      c.Bool("force"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("election:    %s\n", result.ElectionID)
	fmt.Printf("prime:       %s\n", result.Prime)
	fmt.Printf("key:         %s\n", result.Fingerprint)
	fmt.Printf("threshold:   %d of %d\n", result.Threshold, result.Total)
	fmt.Println("shares (give one to each shareholder):")
	for _, share := range result.Shares {
		fmt.Println(share)
	}
	return nil
}

func genPrime(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, err := prime.Generate(ctx, prime.Options{
		Bits:        c.Int("bits"),
		MaxAttempts: conf.Election.MaxPrimeAttempts,
	})
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func split(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one secret argument")
	}
	secret, ok := new(big.Int).SetString(c.Args().First(), 10)
	if !ok {
		return fmt.Errorf("%w: secret must be a decimal integer", shamir.ErrInvalidParameters)
	}

	p, err := parsePrime(c.String("prime"))
	if err != nil {
		return err
	}
	if p == nil {
		ctx, cancel := signalContext()
		defer cancel()

		bits := c.Int("bits")
		if bits <= secret.BitLen() {
			bits = secret.BitLen() + 1
		}
		p, err = prime.Generate(ctx, prime.Options{Bits: bits, MaxAttempts: conf.Election.MaxPrimeAttempts})
		if err != nil {
			return err
		}
	}

	shares, err := shamir.Split(secret, c.Int("threshold"), c.Int("shares"), p, nil)
	if err != nil {
		return err
	}

	fmt.Printf("prime:  %s\n", p)
	fmt.Printf("shares: %s\n", shamir.FormatShares(shares))
	return nil
}

func reconstruct(c *cli.Context) error {
	p, err := parsePrime(c.String("prime"))
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New("-prime flag is required")
	}

	shares, err := shamir.ParseShares(c.Args().First())
	if err != nil {
		return err
	}
	secret, err := shamir.Reconstruct(shares, p)
	if err != nil {
		return err
	}
	fmt.Println(secret)
	return nil
}

func parsePrime(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	p, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: prime must be a decimal integer", shamir.ErrInvalidParameters)
	}
	return p, nil
}

func verify(c *cli.Context) error {
	store, err := storage.Open(conf.Store, conf.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var rec audit.Record
	if _, err := store.Load(models.AuditRecord, &rec); err != nil {
		return err
	}
	if err := audit.Verify(rec); err != nil {
		return err
	}

	fmt.Printf("audit chain OK: %d entries, master hash %q\n", len(rec.Entries), rec.MasterHash)
	return nil
}

func tally(c *cli.Context) error {
	svc, err := service.Open(conf, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := svc.Tally(ctx, c.Args().First())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func serve(c *cli.Context) error {
	svc, err := service.Open(conf, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	err = api.NewServer(svc, logger).ListenAndServe(ctx, conf.Listen)
	svc.CloseVoting()
	logger.Info("server shutdown completed")
	return err
}
