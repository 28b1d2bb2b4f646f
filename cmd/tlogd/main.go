// Command tlogd is the standalone TLog process entrypoint, the role
// the teacher's brimstore-valuesstore/main.go plays for a single
// ValuesStore: parse flags, construct the engine, serve requests until
// killed. Unlike the teacher's load-generating benchmark harness,
// tlogd hosts the real commit/peek/pop RPC surface over rpcwire.
//
// The cluster recovery orchestration that would normally drive
// InitializeTLog (recruiting generations, assigning teams to groups)
// is out of scope per spec.md §1; tlogd bootstraps one recruitment
// from flags so the process is independently runnable, and the real
// recruiter's wire call would hit the same InitializeTLog RPC this
// binary would otherwise expose.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/jzhou77/partlog/runtime"
	"github.com/jzhou77/partlog/tlog"
)

type optsStruct struct {
	DataDir    string `long:"data-dir" description:"Directory holding this process's groups' DiskQueue/KeyValueStore files." default:"/var/lib/tlogd"`
	ListenAddr string `long:"listen" description:"Address to accept commit/peek/pop connections on." default:"127.0.0.1:4500"`
	Epoch      int64  `long:"epoch" description:"Generation (recovery) epoch this process is recruited for." default:"1"`
	Locality   string `long:"locality" description:"Datacenter/locality tag persisted with this generation." default:""`
	IsPrimary  bool   `long:"primary" description:"Whether this process is recruited as a primary TLog."`
	SpillRef   bool   `long:"spill-by-reference" description:"Spill overflowed messages by DiskQueue reference instead of by value."`
	Groups     string `long:"groups" description:"group-uuid=team-uuid,team-uuid;group-uuid=team-uuid bootstrap assignment. Random single-group/single-team if empty."`
	EnvPrefix  string `long:"env-prefix" description:"Environment variable prefix for runtime.Config tunables." default:"TLOG_"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg := runtime.NewConfig(opts.EnvPrefix)
	if opts.SpillRef {
		cfg.SpillType = runtime.SpillReference
	}
	logger := cfg.Logger

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(opts.DataDir, 0o755); err != nil {
		logger.Fatalw("create data dir", "dir", opts.DataDir, "error", err)
	}

	server := tlog.NewServerData(cfg, fs, opts.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	groups, err := parseGroups(opts.Groups)
	if err != nil {
		logger.Fatalw("parse --groups", "error", err)
	}
	iface, err := server.InitializeTLog(ctx, tlog.InitializeRequest{
		Epoch:         opts.Epoch,
		Groups:        groups,
		SpillType:     cfg.SpillType,
		Locality:      opts.Locality,
		IsPrimary:     opts.IsPrimary,
		RecruitmentID: uuid.New(),
	})
	if err != nil {
		logger.Fatalw("InitializeTLog", "error", err)
	}
	logger.Infow("tlogd recruited", "epoch", opts.Epoch, "groups", len(iface.GroupIDs))

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		logger.Fatalw("listen", "addr", opts.ListenAddr, "error", err)
	}
	logger.Infow("tlogd listening", "addr", opts.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("tlogd shutting down")
		ln.Close()
		server.StopAll()
		cancel()
	}()

	serveConns(ctx, ln, iface, logger)
}

// parseGroups parses the --groups flag into the GroupTeams the
// bootstrap recruitment needs. An empty flag bootstraps exactly one
// freshly generated group with one freshly generated team, which is
// enough to exercise the engine without a live cluster controller.
func parseGroups(spec string) ([]tlog.GroupTeams, error) {
	if spec == "" {
		return []tlog.GroupTeams{{GroupID: uuid.New(), Teams: []uuid.UUID{uuid.New()}}}, nil
	}
	var out []tlog.GroupTeams
	for _, groupSpec := range strings.Split(spec, ";") {
		parts := strings.SplitN(groupSpec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed group spec %q", groupSpec)
		}
		groupID, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("group id %q: %w", parts[0], err)
		}
		var teams []uuid.UUID
		for _, teamStr := range strings.Split(parts[1], ",") {
			teamID, err := uuid.Parse(teamStr)
			if err != nil {
				return nil, fmt.Errorf("team id %q: %w", teamStr, err)
			}
			teams = append(teams, teamID)
		}
		out = append(out, tlog.GroupTeams{GroupID: groupID, Teams: teams})
	}
	return out, nil
}
