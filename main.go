//go:build unix

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	getopt "github.com/pborman/getopt/v2"
	"github.com/pborman/options"

	"github.com/NamanBalaji/gridmover/internal/config"
	"github.com/NamanBalaji/gridmover/internal/connection"
	"github.com/NamanBalaji/gridmover/internal/digest"
	"github.com/NamanBalaji/gridmover/internal/filesystem"
	"github.com/NamanBalaji/gridmover/internal/logger"
	"github.com/NamanBalaji/gridmover/internal/mode"
	"github.com/NamanBalaji/gridmover/internal/mover"
	"github.com/NamanBalaji/gridmover/internal/repository"
)

type cliOptions struct {
	optSet *getopt.Set

	Help       bool   `getopt:"-h --help              Display this help"`
	Send       bool   `getopt:"-s --send              Send FILE"`
	Receive    bool   `getopt:"-r --receive           Receive into FILE"`
	Listen     bool   `getopt:"-l --listen            Listen on PORT and let the remote side connect"`
	Port       int    `getopt:"-p --port=port         Data channel port. Default:"`
	Buffer     int    `getopt:"--buffer=bytes         Socket buffer size, 0 keeps the system default"`
	Streams    int    `getopt:"--streams=n            Number of parallel connections opened by the connecting side. Default:"`
	Offset     int64  `getopt:"--offset=bytes         Start of the range to send"`
	Size       int64  `getopt:"--size=bytes           Length of the range to send, 0 sends the rest of the file"`
	Mode       string `getopt:"--mode=S|E|X           Transfer mode: S (stream), E (extended block) or X (flow controlled). Default:"`
	BlockSize  int    `getopt:"--block-size=bytes     Block size, 0 uses the configured size for the mode"`
	MaxStreams int    `getopt:"--max-streams=n        X mode receiver: ask the sender to close connections beyond n"`
	Quota      int64  `getopt:"--quota=bytes          Refuse to receive more than this many bytes, 0 is unlimited"`
	History    bool   `getopt:"--history              List previous transfers and exit"`
	Progress   bool   `getopt:"--progress             Show transfer progress on stderr"`
	Verbose    bool   `getopt:"-v --verbose           Log to stderr"`
	Debug      bool   `getopt:"--debug                Log to the configured log file"`
	Trace      bool   `getopt:"--trace                Also log progress of individual blocks"`

	digests []string

	file string
	host string
}

func newCLIOptions(conf *config.Config) *cliOptions {
	cli := &cliOptions{
		Port:    conf.Port,
		Streams: conf.Parallelism,
		Buffer:  conf.BufferSize,
		Mode:    "E",
	}

	o := getopt.New()
	if err := options.RegisterSet("", cli, o); err != nil {
		panic(fmt.Sprintf("option set registration failed: %s", err))
	}
	o.SetProgram("gridmover")
	o.SetParameters("FILE [HOST]")
	o.FlagLong(&cli.digests, "digest", 0,
		"Compute digests of the received file, any of: "+digest.Available(),
		"alg[,alg...]",
	)
	cli.optSet = o
	return cli
}

// parseArgs parses argv, including the program name, and collects every
// usage error so they can be reported together.
func parseArgs(argv []string, conf *config.Config) (*cliOptions, []string) {
	cli := newCLIOptions(conf)

	if err := cli.optSet.Getopt(argv, nil); err != nil {
		return cli, []string{err.Error()}
	}
	if cli.Help || cli.History {
		return cli, nil
	}

	var errs []string

	args := cli.optSet.Args()
	switch {
	case len(args) == 0:
		errs = append(errs, "FILE is required")
	case len(args) > 2:
		errs = append(errs, fmt.Sprintf("unexpected parameter(s): %s...", args[2]))
	default:
		cli.file = args[0]
		if len(args) == 2 {
			cli.host = args[1]
		}
	}

	if cli.Send == cli.Receive {
		errs = append(errs, "exactly one of --send or --receive must be given")
	}
	if cli.Listen && cli.host != "" {
		errs = append(errs, "HOST cannot be combined with --listen")
	}
	if !cli.Listen && cli.host == "" && len(args) > 0 {
		errs = append(errs, "HOST is required unless --listen is given")
	}
	if cli.Port <= 0 || cli.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port %d", cli.Port))
	}
	if cli.Streams < 1 {
		errs = append(errs, "--streams must be at least 1")
	}
	if cli.Buffer < 0 || cli.BlockSize < 0 || cli.MaxStreams < 0 || cli.Quota < 0 {
		errs = append(errs, "--buffer, --block-size, --max-streams and --quota cannot be negative")
	}

	switch strings.ToUpper(cli.Mode) {
	case "S", "E", "X":
		cli.Mode = strings.ToUpper(cli.Mode)
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q, one of: S, E, X", cli.Mode))
	}

	if cli.Offset < 0 || cli.Size < 0 {
		errs = append(errs, "--offset and --size cannot be negative")
	}
	if (cli.Offset != 0 || cli.Size != 0) && !cli.Send {
		errs = append(errs, "--offset and --size are only valid with --send")
	}
	if cli.MaxStreams > 0 && (cli.Mode != "X" || !cli.Receive) {
		errs = append(errs, "--max-streams is only valid with --receive in mode X")
	}

	if len(cli.digests) > 0 && !cli.Receive {
		errs = append(errs, "--digest is only valid with --receive")
	}
	for _, d := range cli.digests {
		if _, err := digest.Canonical(d); err != nil {
			errs = append(errs, fmt.Sprintf("invalid digest '%s', available digests are: %s", d, digest.Available()))
		}
	}

	return cli, errs
}

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	conf, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error reading configuration: %v\n", err)
		return 1
	}

	cli, errs := parseArgs(argv, conf)
	if cli.Help {
		cli.optSet.PrintUsage(stdout)
		return 0
	}
	if len(errs) > 0 {
		fmt.Fprintf(stderr, "\nFatal error parsing arguments:\n\n%s\n\n", strings.Join(errs, "\n"))
		cli.optSet.PrintUsage(stderr)
		return 2
	}

	switch {
	case cli.Verbose || cli.Trace:
		logger.SetOutput(stderr)
	case cli.Debug:
		if err := logger.InitLogging(true, conf.LogFile); err != nil {
			fmt.Fprintf(stderr, "Warning: Failed to initialize logging: %v\n", err)
		}
	}
	logger.TraceEnabled = cli.Trace
	defer logger.Close()

	repo, err := repository.NewBboltRepository(conf.HistoryDB)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening transfer history: %v\n", err)
		return 1
	}
	defer repo.Close()

	if cli.History {
		if err := printHistory(stdout, repo); err != nil {
			fmt.Fprintf(stderr, "Error reading transfer history: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	mv, err := transfer(ctx, cli, conf, repo, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Transfer failed: %v\n", err)
		return 1
	}

	for _, sum := range mv.ActualChecksums() {
		fmt.Fprintf(stdout, "%s  %s\n", sum, cli.file)
	}
	p := mv.Progress()
	fmt.Fprintf(stdout, "%d bytes in %s (%.2f MiB/s)\n",
		p.GetTransferred(), mv.TransferTime().Round(time.Millisecond), float64(p.GetSpeedBPS())/(1024*1024))
	return 0
}

func transfer(ctx context.Context, cli *cliOptions, conf *config.Config, repo repository.Repository, stderr io.Writer) (*mover.Mover, error) {
	role := mode.Receiver
	open := filesystem.CreateForReceive
	if cli.Send {
		role = mode.Sender
		open = filesystem.OpenForSend
	} else if exists, err := filesystem.FileExists(cli.file); err == nil && exists {
		logger.Warnf("Overwriting existing file %s", cli.file)
	}

	channel, err := open(cli.file)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	mv := mover.New(mover.Options{
		File:            cli.file,
		SpaceIncrement:  conf.SpaceIncrement,
		DigestBlockSize: conf.DigestBlockSize,
		ReadAhead:       conf.ReadAhead,
		History:         repo,
	})
	for _, d := range cli.digests {
		if err := mv.EnableTransferChecksum(d); err != nil {
			return nil, err
		}
	}

	blockSize := cli.BlockSize
	if blockSize == 0 {
		blockSize = conf.BlockSize.ForMode(cli.Mode)
	}

	md, err := mode.New(cli.Mode, role, channel, mv, blockSize)
	if err != nil {
		return nil, err
	}
	defer md.Close()

	if err := configureMode(md, cli, channel); err != nil {
		return nil, err
	}

	if cli.Listen {
		l, err := connection.Listen(&net.TCPAddr{Port: cli.Port}, cli.Buffer)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		if err := md.SetPassive(l); err != nil {
			return nil, err
		}
		fmt.Fprintf(stderr, "Listening on %s\n", l.Addr())
	} else {
		if err := md.SetActive(net.JoinHostPort(cli.host, strconv.Itoa(cli.Port))); err != nil {
			return nil, err
		}
	}

	var allocator filesystem.Allocator = filesystem.NopAllocator{}
	if cli.Quota > 0 {
		allocator = filesystem.NewQuotaAllocator(cli.Quota)
	}

	if !cli.Progress {
		return mv, mv.Transfer(ctx, channel, role, md, allocator)
	}

	stop := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printProgress(stderr, mv, stop)
	}()

	err = mv.Transfer(ctx, channel, role, md, allocator)
	close(stop)
	<-printed
	return mv, err
}

func configureMode(md mode.Mode, cli *cliOptions, channel *filesystem.FileChannel) error {
	if cli.Buffer > 0 {
		if err := md.SetBufferSize(cli.Buffer); err != nil {
			return err
		}
	}
	if err := md.SetParallelism(cli.Streams); err != nil {
		return err
	}

	if cli.Offset != 0 || cli.Size != 0 {
		size := cli.Size
		if size == 0 {
			fileSize, err := channel.Size()
			if err != nil {
				return err
			}
			size = max(fileSize-cli.Offset, 0)
		}
		if err := md.SetPartialRetrieveParameters(cli.Offset, size); err != nil {
			return err
		}
	}

	if cli.MaxStreams > 0 {
		if x, ok := md.(*mode.XBlockMode); ok {
			if err := x.SetMaxStreams(cli.MaxStreams); err != nil {
				return err
			}
		}
	}
	return nil
}

func printHistory(w io.Writer, repo repository.Repository) error {
	records, err := repo.FindAll()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tROLE\tMODE\tBYTES\tDURATION\tSTATUS\tFILE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.StartTime.Format(time.DateTime), r.Role, r.Mode, r.Bytes,
			r.Duration.Round(time.Millisecond), r.Status, r.File)
		if r.Error != "" {
			fmt.Fprintf(tw, "\t\t\t\t\t\terror:\t%s\n", r.Error)
		}
	}
	return tw.Flush()
}
