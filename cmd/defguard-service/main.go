package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YuzuZensai/defguard-client/internal/config"
	"github.com/YuzuZensai/defguard-client/internal/daemon"
)

const usage = `defguard-service - background service for the defguard desktop client

Usage:
  defguard-service serve [--config <path>]
  defguard-service instance add --name <name> --url <base-url>
  defguard-service instance list
  defguard-service instance remove --id <instance-id>
  defguard-service location list [--instance <instance-id>]
  defguard-service location routing --id <location-id> --all-traffic <true|false>
  defguard-service location refresh --instance <instance-id> [--token <auth-token>]
  defguard-service connect --id <location-id> [--key <private-key>]
  defguard-service disconnect --id <location-id>
  defguard-service status
  defguard-service enroll start --url <server-url> --token <token>
  defguard-service enroll status
  defguard-service enroll advance [--name <full-name> --email <email>] [--password <pw> --confirm <pw>]
  defguard-service enroll device --name <device-name> [--public-key <key>]
  defguard-service enroll skip-device
  defguard-service enroll finish
  defguard-service enroll cancel
  defguard-service history --id <location-id> [--since <duration>]
  defguard-service stats --id <location-id> [--since <duration>]
  defguard-service export csv --id <location-id> --out <file> [--since <duration>]

All commands except serve talk to a running daemon (--addr, default
` + config.DefaultListen + `).
`

const defaultDataDir = "/var/lib/defguard-service"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "instance":
		handleInstance(os.Args[2:])
	case "location":
		handleLocation(os.Args[2:])
	case "connect":
		handleConnect(os.Args[2:])
	case "disconnect":
		handleDisconnect(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "enroll":
		handleEnroll(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	logger, err := zap.NewDevelopment()
	fatal(err)
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	cfg := config.Config{}
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	fatal(config.Validate(cfg))

	server, err := daemon.NewServer(cfg)
	fatal(err)

	ctx, cancel := signalContext()
	defer cancel()
	fatal(server.ListenAndServe(ctx))
}

func handleInstance(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "instance subcommand required")
		os.Exit(2)
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("instance add", flag.ExitOnError)
		addr := addrFlag(fs)
		name := fs.String("name", "", "instance name")
		url := fs.String("url", "", "instance base URL")
		_ = fs.Parse(args[1:])
		inst, err := client(*addr).AddInstance(context.Background(), *name, *url)
		fatal(err)
		fmt.Printf("added instance %s (%s)\n", inst.Name, inst.ID)
	case "list":
		fs := flag.NewFlagSet("instance list", flag.ExitOnError)
		addr := addrFlag(fs)
		_ = fs.Parse(args[1:])
		resp, err := client(*addr).Instances(context.Background())
		fatal(err)
		for _, inst := range resp.Instances {
			fmt.Printf("%s\t%s\t%s\n", inst.ID, inst.Name, inst.BaseURL)
		}
	case "remove":
		fs := flag.NewFlagSet("instance remove", flag.ExitOnError)
		addr := addrFlag(fs)
		id := fs.String("id", "", "instance ID")
		_ = fs.Parse(args[1:])
		fatal(client(*addr).RemoveInstance(context.Background(), *id))
		fmt.Println("removed")
	default:
		fmt.Fprintf(os.Stderr, "unknown instance subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func handleLocation(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "location subcommand required")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("location list", flag.ExitOnError)
		addr := addrFlag(fs)
		instance := fs.String("instance", "", "filter by instance ID")
		_ = fs.Parse(args[1:])
		resp, err := client(*addr).Locations(context.Background(), *instance)
		fatal(err)
		for _, loc := range resp.Locations {
			routing := "split"
			if loc.RouteAllTraffic {
				routing = "all-traffic"
			}
			state := "idle"
			if loc.Active {
				state = "active"
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", loc.ID, loc.Name, loc.Endpoint, routing, state)
		}
	case "routing":
		fs := flag.NewFlagSet("location routing", flag.ExitOnError)
		addr := addrFlag(fs)
		id := fs.String("id", "", "location ID")
		all := fs.String("all-traffic", "", "true or false")
		_ = fs.Parse(args[1:])
		value, err := strconv.ParseBool(*all)
		fatal(err)
		loc, err := client(*addr).SetRouting(context.Background(), *id, value)
		fatal(err)
		fmt.Printf("%s route_all_traffic=%v (takes effect on next connect)\n", loc.Name, loc.RouteAllTraffic)
	case "refresh":
		fs := flag.NewFlagSet("location refresh", flag.ExitOnError)
		addr := addrFlag(fs)
		instance := fs.String("instance", "", "instance ID")
		token := fs.String("token", "", "auth token, if the daemon no longer holds one")
		_ = fs.Parse(args[1:])
		resp, err := client(*addr).RefreshLocations(context.Background(), *instance, *token)
		fatal(err)
		fmt.Printf("refreshed %d locations\n", len(resp.Locations))
	default:
		fmt.Fprintf(os.Stderr, "unknown location subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func handleConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	addr := addrFlag(fs)
	id := fs.String("id", "", "location ID")
	key := fs.String("key", "", "private key, if the daemon no longer holds one")
	_ = fs.Parse(args)
	fatal(client(*addr).Connect(context.Background(), *id, *key))
	fmt.Println("connected")
}

func handleDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	addr := addrFlag(fs)
	id := fs.String("id", "", "location ID")
	_ = fs.Parse(args)
	fatal(client(*addr).Disconnect(context.Background(), *id))
	fmt.Println("disconnected")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := addrFlag(fs)
	_ = fs.Parse(args)
	resp, err := client(*addr).Status(context.Background())
	fatal(err)
	for _, row := range resp.Locations {
		line := fmt.Sprintf("%s\t%s\t%s", row.LocationID, row.Name, row.State)
		if row.Failure != "" {
			line += "\t" + row.Failure
		}
		if row.ConnectedAt != nil {
			line += "\tup since " + row.ConnectedAt.Local().Format(time.RFC3339)
		} else if row.LastActiveAt != nil {
			line += "\tlast active " + row.LastActiveAt.Local().Format(time.RFC3339)
		}
		fmt.Println(line)
	}
}

func handleEnroll(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "enroll subcommand required")
		os.Exit(2)
	}
	ctx := context.Background()
	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("enroll start", flag.ExitOnError)
		addr := addrFlag(fs)
		url := fs.String("url", "", "remote instance URL")
		token := fs.String("token", "", "one-time enrollment token")
		_ = fs.Parse(args[1:])
		status, err := client(*addr).EnrollStart(ctx, *url, *token)
		fatal(err)
		printEnrollStatus(status)
	case "status":
		fs := flag.NewFlagSet("enroll status", flag.ExitOnError)
		addr := addrFlag(fs)
		_ = fs.Parse(args[1:])
		status, err := client(*addr).EnrollStatus(ctx)
		fatal(err)
		if !status.Active {
			fmt.Println("no enrollment session")
			return
		}
		printEnrollStatus(status)
	case "advance":
		fs := flag.NewFlagSet("enroll advance", flag.ExitOnError)
		addr := addrFlag(fs)
		name := fs.String("name", "", "full name (data verification step)")
		email := fs.String("email", "", "email (data verification step)")
		password := fs.String("password", "", "password (password step)")
		confirm := fs.String("confirm", "", "password confirmation (password step)")
		_ = fs.Parse(args[1:])
		status, err := client(*addr).EnrollAdvance(ctx, daemon.EnrollAdvanceRequest{
			FullName:             *name,
			Email:                *email,
			Password:             *password,
			PasswordConfirmation: *confirm,
		})
		fatal(err)
		printEnrollStatus(status)
	case "device":
		fs := flag.NewFlagSet("enroll device", flag.ExitOnError)
		addr := addrFlag(fs)
		name := fs.String("name", "", "device name")
		publicKey := fs.String("public-key", "", "externally managed public key (omit to generate)")
		_ = fs.Parse(args[1:])
		status, err := client(*addr).EnrollDevice(ctx, *name, *publicKey)
		fatal(err)
		printEnrollStatus(status)
	case "skip-device":
		fs := flag.NewFlagSet("enroll skip-device", flag.ExitOnError)
		addr := addrFlag(fs)
		_ = fs.Parse(args[1:])
		status, err := client(*addr).EnrollSkipDevice(ctx)
		fatal(err)
		printEnrollStatus(status)
	case "finish":
		fs := flag.NewFlagSet("enroll finish", flag.ExitOnError)
		addr := addrFlag(fs)
		_ = fs.Parse(args[1:])
		out, err := client(*addr).EnrollFinish(ctx)
		fatal(err)
		if out.Instance.ID == "" {
			fmt.Println("enrollment finished (no device provisioned)")
			return
		}
		fmt.Printf("enrolled instance %s (%s) with %d locations\n", out.Instance.Name, out.Instance.ID, len(out.Locations))
		if out.PrivateKey != "" {
			fmt.Println("private key (shown once, store it safely):")
			fmt.Println(out.PrivateKey)
		}
	case "cancel":
		fs := flag.NewFlagSet("enroll cancel", flag.ExitOnError)
		addr := addrFlag(fs)
		_ = fs.Parse(args[1:])
		fatal(client(*addr).EnrollCancel(ctx))
		fmt.Println("cancelled")
	default:
		fmt.Fprintf(os.Stderr, "unknown enroll subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	addr := addrFlag(fs)
	id := fs.String("id", "", "location ID")
	since := fs.Duration("since", 0, "window, e.g. 24h (0 = everything)")
	_ = fs.Parse(args)

	resp, err := client(*addr).Connections(context.Background(), *id, sinceTime(*since))
	fatal(err)
	for _, rec := range resp.Records {
		end := "open"
		if rec.EndedAt != nil {
			end = rec.EndedAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\tup=%d down=%d\n",
			rec.StartedAt.Local().Format(time.RFC3339), end, rec.PeerObservedAddr, rec.BytesUp, rec.BytesDown)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	addr := addrFlag(fs)
	id := fs.String("id", "", "location ID")
	since := fs.Duration("since", 0, "window, e.g. 24h (0 = everything)")
	_ = fs.Parse(args)

	resp, err := client(*addr).Summary(context.Background(), *id, sinceTime(*since))
	fatal(err)
	s := resp.Summary
	fmt.Printf("connections: %d\n", s.Count)
	if s.Count > 0 {
		fmt.Printf("window: %s .. %s\n", s.From.Local().Format(time.RFC3339), s.To.Local().Format(time.RFC3339))
		fmt.Printf("bytes up: %d\nbytes down: %d\n", s.TotalBytesUp, s.TotalBytesDown)
		fmt.Printf("connected time: %s\n", s.TotalConnected.Round(time.Second))
	}
}

func handleExport(args []string) {
	if len(args) == 0 || args[0] != "csv" {
		fmt.Fprintln(os.Stderr, "export subcommand required (csv)")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	addr := addrFlag(fs)
	id := fs.String("id", "", "location ID")
	out := fs.String("out", "", "output file")
	since := fs.Duration("since", 0, "window, e.g. 24h (0 = everything)")
	_ = fs.Parse(args[1:])
	if *out == "" {
		fatal(fmt.Errorf("--out is required"))
	}

	resp, err := client(*addr).Connections(context.Background(), *id, sinceTime(*since))
	fatal(err)

	f, err := os.Create(*out)
	fatal(err)
	defer f.Close()

	w := csv.NewWriter(f)
	fatal(w.Write([]string{"id", "location_id", "started_at", "ended_at", "bytes_up", "bytes_down", "last_handshake_at", "peer_observed_addr"}))
	for _, rec := range resp.Records {
		end := ""
		if rec.EndedAt != nil {
			end = rec.EndedAt.UTC().Format(time.RFC3339Nano)
		}
		handshake := ""
		if rec.LastHandshakeAt != nil {
			handshake = rec.LastHandshakeAt.UTC().Format(time.RFC3339Nano)
		}
		fatal(w.Write([]string{
			rec.ID,
			rec.LocationID,
			rec.StartedAt.UTC().Format(time.RFC3339Nano),
			end,
			strconv.FormatInt(rec.BytesUp, 10),
			strconv.FormatInt(rec.BytesDown, 10),
			handshake,
			rec.PeerObservedAddr,
		}))
	}
	w.Flush()
	fatal(w.Error())
	fmt.Printf("wrote %d records to %s\n", len(resp.Records), *out)
}

func printEnrollStatus(status daemon.EnrollStatusResponse) {
	fmt.Printf("phase: %s\n", status.Phase)
	if status.SecondsRemaining > 0 {
		fmt.Printf("time remaining: %ds\n", status.SecondsRemaining)
	}
	if status.PrefillName != "" || status.PrefillEmail != "" {
		fmt.Printf("account: %s <%s>\n", status.PrefillName, status.PrefillEmail)
	}
}

func addrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", config.DefaultListen, "daemon control API address")
}

func client(addr string) *daemon.Client {
	return daemon.NewClient(addr)
}

func sinceTime(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-window)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
