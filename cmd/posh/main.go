// Command posh is the script-runner client: it reads a script of shell
// pipelines, accelerates each one across the configured proxies, and
// exits with the code of the last stage of the last pipeline.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/posh-sh/posh/internal/annotation"
	"github.com/posh-sh/posh/internal/compiler"
	"github.com/posh-sh/posh/internal/dispatch"
	"github.com/posh-sh/posh/internal/graph"
	"github.com/posh-sh/posh/internal/mount"
	"github.com/posh-sh/posh/internal/schedule"
	"github.com/posh-sh/posh/internal/shellparse"
	"github.com/posh-sh/posh/internal/trace"
	"github.com/posh-sh/posh/internal/wire"
)

// Exit codes.
const (
	exitOK              = 0
	exitBadConfig       = 2
	exitShellParse      = 3
	exitProxyUnreachable = 4
	exitSigint          = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := pflag.NewFlagSet("posh", pflag.ContinueOnError)
	f.SortFlags = false
	f.Usage = func() { usage(f) }

	f.String("annotations_file", "", "path to the command annotation file (required)")
	f.String("mount_file", "", "path to the mount configuration YAML file (required)")
	f.String("pwd", "", "the shell's current working directory (required)")
	f.String("tmpfile", "", "scratch directory for split-stage aggregator spill (required)")
	f.Int("runtime_port", 1235, "proxy control-connection port")
	f.Int("splitting_factor", 1, "maximum number of clones for a splittable stage")
	f.String("tracing_level", "none", "debug trace level: none/error/info/debug/trace")

	if err := f.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		return exitShellParse
	}

	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		fmt.Fprintln(os.Stderr, "posh:", err)
		return exitBadConfig
	}
	annotationsFile := k.String("annotations_file")
	mountFile := k.String("mount_file")
	pwd := k.String("pwd")
	tmpfile := k.String("tmpfile")
	runtimePort := k.Int("runtime_port")
	splittingFactor := k.Int("splitting_factor")
	tracingLevel := k.String("tracing_level")

	if annotationsFile == "" || mountFile == "" || pwd == "" || tmpfile == "" {
		fmt.Fprintln(os.Stderr, "posh: --annotations_file, --mount_file, --pwd and --tmpfile are all required")
		usage(f)
		return exitBadConfig
	}
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "posh: exactly one script path is required")
		usage(f)
		return exitBadConfig
	}
	scriptPath := f.Arg(0)

	level, err := trace.ParseLevel(tracingLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "posh:", err)
		return exitBadConfig
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		With().Timestamp().Logger().Level(level.ZerologLevel())

	annFile, err := os.Open(annotationsFile)
	if err != nil {
		log.Error().Err(err).Msg("annotations file")
		return exitBadConfig
	}
	annTable, err := annotation.Load(annFile)
	annFile.Close()
	if err != nil {
		log.Error().Err(err).Msg("annotation parse error")
		return exitBadConfig
	}

	mountTable, err := mount.LoadConfig(mountFile)
	if err != nil {
		log.Error().Err(err).Msg("mount config error")
		return exitBadConfig
	}

	script, err := os.Open(scriptPath)
	if err != nil {
		log.Error().Err(err).Msg("script")
		return exitBadConfig
	}
	defer script.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		log:         log,
		annTable:    annTable,
		mountTable:  mountTable,
		cwd:         mount.Canonicalize(pwd, pwd),
		env:         os.Environ(),
		runtimePort: runtimePort,
		splitFactor: splittingFactor,
		tmpDir:      tmpfile,
		trace:       trace.NewServer(level, nil),
	}
	if r.trace.Enabled() {
		go serveTrace(ctx, log, r.trace)
	}

	code := exitOK
	sc := bufio.NewScanner(script)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		c, fatal := r.runLine(ctx, line)
		code = c
		if fatal {
			return code
		}
		select {
		case <-ctx.Done():
			return exitSigint
		default:
		}
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("reading script")
		return exitBadConfig
	}
	return code
}

// runner carries everything unchanged across every line of the script:
// the immutable annotation/mount tables plus the environment, which export statements mutate as the
// script runs.
type runner struct {
	log         zerolog.Logger
	annTable    annotation.Table
	mountTable  *mount.Table
	cwd         string
	env         []string
	runtimePort int
	splitFactor int
	tmpDir      string
	trace       *trace.Server

	pipelineSeq int
	lastCode    int // exit code of the most recent pipeline
}

// runLine executes one line of the script: an export mutates r.env and
// produces no exit code change; a pipeline is compiled, scheduled,
// lowered, and dispatched. fatal is true when the line's error must stop
// the whole script.
func (r *runner) runLine(ctx context.Context, line string) (code int, fatal bool) {
	stmts, err := shellparse.Parse(line)
	if err != nil {
		r.log.Error().Err(err).Str("line", line).Msg("shell parse error")
		return exitShellParse, true
	}

	code = r.lastCode
	for _, st := range stmts {
		if st.Export != nil {
			r.applyExport(*st.Export)
			continue
		}
		if st.Pipeline == nil {
			continue
		}
		code, fatal = r.runPipeline(ctx, st.Pipeline)
		r.lastCode = code
		if fatal {
			return code, true
		}
	}
	return code, false
}

func (r *runner) applyExport(e shellparse.Export) {
	prefix := e.Name + "="
	for i, kv := range r.env {
		if strings.HasPrefix(kv, prefix) {
			r.env[i] = prefix + e.Value
			return
		}
	}
	r.env = append(r.env, prefix+e.Value)
}

func (r *runner) runPipeline(ctx context.Context, pl *shellparse.Pipeline) (code int, fatal bool) {
	r.pipelineSeq++
	pipelineID := "p" + strconv.Itoa(r.pipelineSeq)

	compiled := compiler.Compile(pl, r.annTable, r.mountTable, r.cwd)
	stages := compiled.SchedStages()

	plan := schedule.Compute(stages, schedule.Options{
		Table: r.mountTable, Cwd: r.cwd, SplittingFactor: r.splitFactor,
	})

	g, err := graph.Build(&graph.Input{
		PipelineID: pipelineID, Cwd: r.cwd, Env: r.env, Table: r.mountTable,
		Stages: stages, Plan: plan,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("graph build error")
		return exitShellParse, true
	}
	r.trace.SetGraph(g)

	d := dispatch.NewDispatcher(ctx, r.log, g, r.mountTable, r.tmpDir, r.runtimePort)
	d.Events = traceSink{r.trace}
	r.trace.SetMetrics(d.Metrics())
	results, err := d.Run()
	if err != nil {
		r.log.Error().Err(err).Msg("pipeline error")
		if isProxyUnreachable(err) {
			return exitProxyUnreachable, true
		}
		select {
		case <-ctx.Done():
			return exitSigint, true
		default:
		}
		return exitShellParse, false
	}

	last := stages[len(stages)-1]
	code = terminalExitCode(g, last.ID, results)
	if code != 0 {
		r.log.Debug().Int("exit_code", code).Msg(dispatch.ErrNodeNonZeroExit.Error())
	}
	return code, false
}

func isProxyUnreachable(err error) bool {
	return errors.Is(err, dispatch.ErrProxyUnreachable)
}

// traceSink adapts the trace server to dispatch's EventSink.
type traceSink struct{ srv *trace.Server }

func (t traceSink) NodeStarted(pipelineID, nodeID string) {
	t.srv.Publish(trace.Event{Kind: "node_start", PipelineID: pipelineID, NodeID: nodeID})
}

func (t traceSink) NodeExited(pipelineID, nodeID string, exitCode int) {
	t.srv.Publish(trace.Event{Kind: "node_stop", PipelineID: pipelineID, NodeID: nodeID, ExitCode: exitCode})
}

// terminalExitCode implements the POSIX convention that a pipeline
// exits with its last stage's code: find the last stage's NodeProcess node(s)
// in the graph and report its exit code (the highest among clones, if the
// terminal stage was ever split).
func terminalExitCode(g *wire.Graph, lastStageID int, results map[string]int) int {
	code := 0
	for _, n := range g.Nodes {
		if n.StageID != lastStageID || n.Kind != wire.NodeProcess {
			continue
		}
		if c, ok := results[n.ID]; ok && c > code {
			code = c
		}
	}
	return code
}

func serveTrace(ctx context.Context, log zerolog.Logger, srv *trace.Server) {
	const addr = ":6061"
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	log.Info().Str("addr", addr).Msg("trace server listening")
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Debug().Err(err).Msg("trace server stopped")
	}
}

func usage(f *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: posh [OPTIONS] SCRIPT_PATH\n\nOptions:\n")
	f.PrintDefaults()
}
