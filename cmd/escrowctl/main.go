// escrowctl is one party's device: it holds the party key, keeps the synced
// contract set, and drives the co-signing operations against the relay and
// the operator.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"

	"github.com/Kukks/ark-escrow-demo/arkclient"
	"github.com/Kukks/ark-escrow-demo/chainwatcher"
	"github.com/Kukks/ark-escrow-demo/coordinator"
	"github.com/Kukks/ark-escrow-demo/escrow"
	"github.com/Kukks/ark-escrow-demo/escrowdb"
	"github.com/Kukks/ark-escrow-demo/escrowscript"
	"github.com/Kukks/ark-escrow-demo/registry"
	"github.com/Kukks/ark-escrow-demo/relay"
)

const usage = `usage: escrowctl [-config path] <command> [args]

commands:
  whoami                                print this device's party key
  name -display <name>                  publish a display name for this key
  new -buyer <hex> -seller <hex> -arb <hex> [-desc text]
                                        create a contract
  list                                  list known contracts
  show -address <addr>                  show one contract and its paths
  fund -address <addr>                  check funding status
  act -address <addr> -action <release|refund|direct>
                                        start a co-signed spend
  approve -address <addr>               approve the pending spend
  reject -address <addr>                reject the pending spend
  execute -address <addr>               retry submitting an approved spend
  watch -address <addr>                 follow funding and record updates
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowctl: %v\n", err)
		os.Exit(1)
	}
}

type device struct {
	cfg    deviceConfig
	log    slog.Logger
	signer *coordinator.PrivKeySigner
	db     *escrowdb.BoltDB
	rl     *relay.Client
	reg    *registry.Registry
	ark    *arkclient.Client
	coord  *coordinator.Coordinator
}

func run() error {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}
	cmd, args := args[0], args[1:]

	cfg, err := loadDeviceConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	switch cmd {
	case "whoami":
		fmt.Println(d.signer.PubKey())
		return nil
	case "name":
		return d.cmdName(ctx, args)
	case "new":
		return d.cmdNew(ctx, args)
	case "list":
		return d.cmdList(args)
	case "show":
		return d.cmdShow(args)
	case "fund":
		return d.cmdFund(ctx, args)
	case "act":
		return d.cmdAct(ctx, args)
	case "approve":
		return d.cmdApprove(ctx, args)
	case "reject":
		return d.cmdReject(ctx, args)
	case "execute":
		return d.cmdExecute(ctx, args)
	case "watch":
		return d.cmdWatch(ctx, args)
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func setup(ctx context.Context, cfg deviceConfig) (*device, error) {
	backend := slog.NewBackend(os.Stderr)
	log := backend.Logger("CTRL")
	if lvl, ok := slog.LevelFromString(cfg.LogLevel); ok {
		log.SetLevel(lvl)
	}

	priv, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	signer := coordinator.NewPrivKeySigner(priv)

	db, err := escrowdb.NewBoltDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	rl, err := relay.DialRelay(ctx, relay.ClientConfig{URL: cfg.RelayURL, Log: log})
	if err != nil {
		db.Close()
		return nil, err
	}

	reg, err := registry.New(ctx, registry.Config{Transport: rl, Store: db, Log: log})
	if err != nil {
		rl.Close()
		db.Close()
		return nil, err
	}

	ark, err := arkclient.New(arkclient.Config{BaseURL: cfg.OperatorURL, Log: log})
	if err != nil {
		rl.Close()
		db.Close()
		return nil, err
	}

	serverKey, err := cfg.serverKey()
	if err != nil {
		rl.Close()
		db.Close()
		return nil, err
	}
	params, err := cfg.chainParams()
	if err != nil {
		rl.Close()
		db.Close()
		return nil, err
	}
	coord, err := coordinator.New(coordinator.Config{
		Registry:        reg,
		Query:           ark,
		Submitter:       ark,
		ServerKey:       serverKey,
		UnilateralDelay: cfg.UnilateralDelay,
		ChainParams:     params,
		Log:             log,
	})
	if err != nil {
		rl.Close()
		db.Close()
		return nil, err
	}

	return &device{cfg: cfg, log: log, signer: signer, db: db, rl: rl, reg: reg, ark: ark, coord: coord}, nil
}

func (d *device) close() {
	d.rl.Close()
	d.db.Close()
}

func (d *device) cmdName(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("name", flag.ExitOnError)
	display := fs.String("display", "", "display name to publish")
	fs.Parse(args)
	if *display == "" {
		return fmt.Errorf("-display is required")
	}
	return d.reg.UpsertParticipant(ctx, &escrow.Participant{
		Key:         d.signer.PubKey(),
		DisplayName: *display,
		UpdatedAt:   time.Now().UTC(),
	})
}

func (d *device) cmdNew(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	buyerHex := fs.String("buyer", "", "buyer x-only key (hex)")
	sellerHex := fs.String("seller", "", "seller x-only key (hex)")
	arbHex := fs.String("arb", "", "arbitrator x-only key (hex)")
	desc := fs.String("desc", "", "contract description")
	fs.Parse(args)

	buyer, err := escrow.ParsePartyKey(*buyerHex)
	if err != nil {
		return fmt.Errorf("buyer: %w", err)
	}
	seller, err := escrow.ParsePartyKey(*sellerHex)
	if err != nil {
		return fmt.Errorf("seller: %w", err)
	}
	arb, err := escrow.ParsePartyKey(*arbHex)
	if err != nil {
		return fmt.Errorf("arbitrator: %w", err)
	}

	ct, err := d.coord.CreateContract(ctx, buyer, seller, arb, *desc)
	if err != nil {
		return err
	}
	fmt.Println(ct.Address)
	return nil
}

func (d *device) cmdList(args []string) error {
	for _, ct := range d.reg.List() {
		status := "idle"
		if ct.Pending != nil {
			status = fmt.Sprintf("%s %s", ct.Pending.Action, ct.Pending.Status)
		}
		fmt.Printf("%s  %-24s %s\n", ct.Address, status, ct.Description)
	}
	return nil
}

func (d *device) cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	fs.Parse(args)

	ct := d.reg.Get(*address)
	if ct == nil {
		return coordinator.ErrUnknownContract
	}
	fmt.Printf("address:     %s\n", ct.Address)
	fmt.Printf("description: %s\n", ct.Description)
	fmt.Printf("created:     %s\n", ct.CreatedAt.Format(time.RFC3339))
	for _, role := range []escrow.Role{escrow.RoleBuyer, escrow.RoleSeller, escrow.RoleArbitrator} {
		key, _ := ct.KeyForRole(role)
		name := ""
		if p := d.reg.Participant(key); p != nil {
			name = "  (" + p.DisplayName + ")"
		}
		fmt.Printf("%-11s %s%s\n", role+":", key, name)
	}
	if myRole, ok := ct.RoleForKey(d.signer.PubKey()); ok {
		fmt.Printf("this device: %s\n", myRole)
	}

	paths, err := d.coord.SpendingPaths(*address)
	if err != nil {
		return err
	}
	fmt.Println("paths:")
	for _, p := range paths {
		kind := "cooperative"
		if p.Unilateral {
			kind = "unilateral"
		}
		fmt.Printf("  %-18s %-11s signers=%v\n", p.Name, kind, p.Signers)
	}

	if p := ct.Pending; p != nil {
		fmt.Printf("pending:     %s by %s, status=%s\n", p.Action, p.Initiator, p.Status)
		fmt.Printf("  approvals:  %d of %d required co-signers\n",
			len(p.Partial.Approvals)-1, len(p.Partial.RequiredSigners))
	}
	return nil
}

func (d *device) cmdFund(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fund", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	fs.Parse(args)

	ct := d.reg.Get(*address)
	if ct == nil {
		return coordinator.ErrUnknownContract
	}
	role, ok := ct.RoleForKey(d.signer.PubKey())
	if !ok {
		return coordinator.ErrNotAuthorized
	}
	_, err := d.coord.Create(ctx, *address, escrow.ActionFund, role, d.signer)
	if err != nil {
		return err
	}
	fmt.Printf("unfunded: send the escrow amount to %s with your wallet\n", *address)
	return nil
}

func (d *device) cmdAct(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("act", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	action := fs.String("action", "", "release, refund or direct")
	fs.Parse(args)

	act, err := parseSpendAction(*action)
	if err != nil {
		return err
	}
	ct := d.reg.Get(*address)
	if ct == nil {
		return coordinator.ErrUnknownContract
	}
	role, ok := ct.RoleForKey(d.signer.PubKey())
	if !ok {
		return coordinator.ErrNotAuthorized
	}
	pending, err := d.coord.Create(ctx, *address, act, role, d.signer)
	if err != nil {
		return err
	}
	fmt.Printf("%s pending, waiting on %d co-signer(s)\n", pending.Action, len(pending.Partial.RequiredSigners))
	return nil
}

// parseSpendAction admits only the actions that open a co-signing round.
// Funding never creates a pending record, so it has its own command.
func parseSpendAction(s string) (escrow.Action, error) {
	switch act := escrow.Action(s); act {
	case escrow.ActionRelease, escrow.ActionRefund, escrow.ActionDirect:
		return act, nil
	case escrow.ActionFund:
		return "", fmt.Errorf("funding is not co-signed; use the fund command")
	}
	return "", fmt.Errorf("unknown action %q: want release, refund or direct", s)
}

func (d *device) cmdApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	fs.Parse(args)
	if err := d.coord.Approve(ctx, *address, d.signer); err != nil {
		return err
	}
	fmt.Println("approved")
	return nil
}

func (d *device) cmdReject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	fs.Parse(args)
	if err := d.coord.Reject(ctx, *address, d.signer.PubKey()); err != nil {
		return err
	}
	fmt.Println("rejected")
	return nil
}

func (d *device) cmdExecute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	fs.Parse(args)
	if err := d.coord.Execute(ctx, *address); err != nil {
		return err
	}
	fmt.Println("executed")
	return nil
}

func (d *device) cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	address := fs.String("address", "", "contract address")
	interval := fs.Duration("interval", 5*time.Second, "poll interval")
	fs.Parse(args)

	ct := d.reg.Get(*address)
	if ct == nil {
		return coordinator.ErrUnknownContract
	}
	factoryScript, err := d.contractPkScript(ct)
	if err != nil {
		return err
	}

	watcher := chainwatcher.New(chainwatcher.Config{Query: d.ark, Interval: *interval, Log: d.log})
	go watcher.Run(ctx)
	defer watcher.Stop()

	updates, unsub := watcher.Subscribe(hex.EncodeToString(factoryScript))
	defer unsub()

	records := make(chan *escrow.Contract, 8)
	d.reg.Watch(func(c *escrow.Contract) {
		if c.Address == *address {
			select {
			case records <- c:
			default:
			}
		}
	})

	fmt.Printf("watching %s\n", *address)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			fmt.Printf("[%s] funded=%t outputs=%d value=%d\n",
				u.At.Format(time.TimeOnly), u.Funded, len(u.Vtxos), u.Value)
		case c := <-records:
			if p := c.Pending; p != nil {
				fmt.Printf("[%s] %s by %s: %s (%d approvals, %d rejections)\n",
					time.Now().Format(time.TimeOnly), p.Action, p.Initiator, p.Status,
					len(p.Partial.Approvals), len(p.Partial.Rejections))
			} else {
				fmt.Printf("[%s] no pending transaction\n", time.Now().Format(time.TimeOnly))
			}
		}
	}
}

func (d *device) contractPkScript(ct *escrow.Contract) ([]byte, error) {
	serverKey, err := d.cfg.serverKey()
	if err != nil {
		return nil, err
	}
	factory, err := escrowscript.New(escrowscript.Options{
		Buyer:           ct.Buyer[:],
		Seller:          ct.Seller[:],
		Arbitrator:      ct.Arbitrator[:],
		Server:          serverKey[:],
		UnilateralDelay: d.cfg.UnilateralDelay,
	})
	if err != nil {
		return nil, err
	}
	return factory.PkScript(), nil
}
