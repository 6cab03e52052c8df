package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/jit"
	"github.com/tangzhangming/tracejit/internal/jit/asm"
	"github.com/tangzhangming/tracejit/internal/jit/stencil"
	"github.com/tangzhangming/tracejit/internal/tier2"
	"github.com/tangzhangming/tracejit/internal/uop"
)

var (
	configPath  = flag.String("config", "", "Config file (default: ./"+tier2.ConfigFileName+" if present)")
	noOptimize  = flag.Bool("no-opt", false, "Skip the trace optimizer")
	compile     = flag.Bool("compile", false, "Compile the trace to native code")
	execute     = flag.Bool("run", false, "Run the trace once after promotion")
	runArgs     = flag.String("args", "", "Comma-separated entry arguments for -run")
	depth       = flag.Int("depth", 0, "Entry stack depth")
	jsonOutput  = flag.Bool("json", false, "Print a JSON report")
	verbose     = flag.Bool("v", false, "Debug logging")
	dumpCatalog = flag.String("dump-catalog", "", "Write the host stencil catalog to a CBOR file and exit")
	pcRel       = flag.Bool("pcrel", false, "Use PC-relative stub jumps in the dumped catalog")
)

// report -json 输出
type report struct {
	File     string      `json:"file"`
	Status   string      `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	Before   int         `json:"before"`
	After    int         `json:"after"`
	Trace    []string    `json:"trace"`
	Native   bool        `json:"native"`
	CodeSize int         `json:"code_size,omitempty"`
	Exit     *exitReport `json:"exit,omitempty"`
	Stats    tier2.Stats `json:"stats"`
}

type exitReport struct {
	Kind   string   `json:"kind"`
	Target int32    `json:"target"`
	Error  string   `json:"error,omitempty"`
	Locals []string `json:"locals"`
	Stack  []string `json:"stack"`
}

func main() {
	flag.Parse()

	if *dumpCatalog != "" {
		if err := writeCatalog(*dumpCatalog, *pcRel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() < 1 {
		fmt.Println("tracejit - tier-2 trace optimizer and copy-and-patch compiler")
		fmt.Println()
		fmt.Println("Usage: tracejit [options] <file.trace>")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*tier2.Config, error) {
	path := *configPath
	if path == "" {
		if _, err := os.Stat(tier2.ConfigFileName); err != nil {
			return tier2.DefaultConfig(), nil
		}
		path = tier2.ConfigFileName
	}
	return tier2.LoadConfig(path)
}

func run(filename string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Enabled = cfg.Enabled && *compile
	cfg.Optimize = cfg.Optimize && !*noOptimize
	cfg.HotThreshold = 1
	if *verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}

	log, err := tier2.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	prog, err := uop.ParseTrace(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	t2, err := tier2.New(cfg, log, prog.Functions)
	if err != nil {
		return err
	}
	defer func() {
		if err := t2.Close(); err != nil {
			log.Warn("failed to release executors", zap.Error(err))
		}
	}()

	rec := &tier2.Recording{Key: tier2.TraceKey{Code: prog.Code}, Trace: prog.Trace, Depth: *depth}
	exec, err := t2.Promote(rec)
	if err != nil {
		return err
	}

	rep := report{
		File:     filename,
		Status:   "unoptimized",
		Before:   prog.Trace.Len(),
		After:    exec.Trace().Len(),
		Native:   exec.Compiled(),
		CodeSize: exec.Size(),
	}
	st := t2.Stats()
	switch {
	case st.Optimizer.Optimized > 0:
		rep.Status = "optimized"
	case st.Optimizer.Fallbacks > 0:
		rep.Status = "fallback"
	}
	for _, u := range exec.Trace() {
		rep.Trace = append(rep.Trace, u.String())
	}

	if *execute {
		exit, err := runOnce(exec, prog, *runArgs)
		if err != nil {
			return err
		}
		rep.Exit = exit
	}
	rep.Stats = t2.Stats()

	if *jsonOutput {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	printReport(&rep, exec)
	return nil
}

func runOnce(exec *jit.Executor, prog *uop.Program, argList string) (*exitReport, error) {
	var args []uop.Value
	for _, text := range strings.Split(argList, ",") {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		v, err := uop.ParseValue(text)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if len(args) > prog.Code.ArgCount {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", prog.Code.Name, prog.Code.ArgCount, len(args))
	}

	st := &uop.State{Frame: uop.NewFrame(prog.Code, args...), Globals: map[string]uop.Value{}}
	exit := exec.Run(st)
	rep := &exitReport{Kind: exit.Kind.String(), Target: exit.Target}
	if exit.Err != nil {
		rep.Error = exit.Err.Error()
	}
	for _, v := range st.Frame.Locals {
		rep.Locals = append(rep.Locals, v.String())
	}
	for _, v := range st.Frame.Stack {
		rep.Stack = append(rep.Stack, v.String())
	}
	return rep, nil
}

func printReport(rep *report, exec *jit.Executor) {
	fmt.Printf("=== %s (%s, %d -> %d uops) ===\n", rep.File, rep.Status, rep.Before, rep.After)
	var buf bytes.Buffer
	if err := uop.FormatTrace(&buf, exec.Trace()); err == nil {
		fmt.Print(buf.String())
	}
	if rep.Native {
		fmt.Printf("native: %d bytes at %#x\n", rep.CodeSize, exec.Entry())
	}
	if rep.Exit != nil {
		fmt.Printf("exit: %s target=%d\n", rep.Exit.Kind, rep.Exit.Target)
		if rep.Exit.Error != "" {
			fmt.Printf("  error: %s\n", rep.Exit.Error)
		}
		fmt.Printf("  locals: [%s]\n", strings.Join(rep.Exit.Locals, ", "))
		fmt.Printf("  stack:  [%s]\n", strings.Join(rep.Exit.Stack, ", "))
	}
	s := rep.Stats.Optimizer
	fmt.Printf("guards elided: %d, stores elided: %d, folded: %d\n", s.GuardsElided, s.StoresElided, s.Folded)
}

func writeCatalog(path string, pcRelStubs bool) error {
	c, err := asm.HostCatalog(pcRelStubs)
	if err != nil {
		return err
	}
	data, err := stencil.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	fmt.Printf("wrote %s catalog (%d bytes) to %s\n", c.Arch, len(data), path)
	return nil
}
