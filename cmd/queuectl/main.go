// Command queuectl inspects and maintains the job queue, the delivery records
// and the upload pool from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"boxrelay/internal/app"
)

const usage = `usage: queuectl [-config path] [-env files] <command> [flags]

commands:
  size                 print the number of pending jobs
  clear -yes           drop every pending job
  sweep [-max-age d]   remove orphaned download files
  pool                 probe every upload bot against the destination
  records              print the number of recorded deliveries
  lookup <link>        show the delivery recorded for a link
  forget <link>        delete the record for a link so it is fetched again
`

func main() {
	var cfgPath, envFiles string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.StringVar(&envFiles, "env", ".env", "comma-separated env files loaded before the config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	admin, err := app.NewAdmin(app.Options{ConfigPath: cfgPath, EnvFiles: strings.Split(envFiles, ",")})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := run(ctx, admin, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.Admin, cmd string, args []string) error {
	switch cmd {
	case "size":
		name, n, err := a.QueueSize(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d pending\n", name, n)

	case "clear":
		fs := flag.NewFlagSet("clear", flag.ExitOnError)
		yes := fs.Bool("yes", false, "confirm")
		_ = fs.Parse(args)
		if !*yes {
			return errors.New("clear drops every pending job; pass -yes to confirm")
		}
		n, err := a.ClearQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d jobs\n", n)

	case "sweep":
		fs := flag.NewFlagSet("sweep", flag.ExitOnError)
		maxAge := fs.Duration("max-age", 0, "remove files older than this (default: worker.orphan_max_age)")
		_ = fs.Parse(args)
		res, err := a.Sweep(*maxAge)
		fmt.Printf("scanned %d, removed %d, freed %s\n", res.Scanned, res.Removed, humanize.Bytes(uint64(res.Bytes)))
		return err

	case "pool":
		states, err := a.Pool(ctx)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tHANDLE\tVALID\tAVAILABLE")
		for _, st := range states {
			avail := "yes"
			if st.UnavailableUntil.After(time.Now()) {
				avail = humanize.Time(st.UnavailableUntil)
			}
			fmt.Fprintf(tw, "%d\t%s\t%v\t%s\n", st.Index, st.Handle, st.Valid, avail)
		}
		_ = tw.Flush()
		return err

	case "records":
		n, err := a.Records(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s deliveries recorded\n", humanize.Comma(n))

	case "lookup":
		if len(args) != 1 {
			return errors.New("lookup needs exactly one link")
		}
		rec, ok, err := a.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("not recorded")
			return nil
		}
		fmt.Printf("locator:  %s\nsize:     %s\nrecorded: %s\n",
			rec.DeliveryLocator, humanize.Bytes(uint64(rec.SizeBytes)), humanize.Time(rec.CreatedAt))

	case "forget":
		if len(args) != 1 {
			return errors.New("forget needs exactly one link")
		}
		removed, err := a.Forget(ctx, args[0])
		if err != nil {
			return err
		}
		if removed {
			fmt.Println("record deleted")
		} else {
			fmt.Println("not recorded")
		}

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
