package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	simt "github.com/maemowong/suprax-simt"
	"github.com/maemowong/suprax-simt/proto/kernel"
	"github.com/maemowong/suprax-simt/proto/memsys"
)

func main() {
	def := simt.DefaultConfig()

	runCmd := &cli.Command{
		Name:        "run",
		Description: "run builtin kernels and print statistics",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("mode", def.Mode.String(), "divergence tracker: stack or tables"),
			cli.NewFlag("kernel", "all", "builtin kernel, or all: "+strings.Join(kernel.Builtins(), ", ")),
			cli.NewFlag("warps", def.NumWarps, "number of warps"),
			cli.NewFlag("warp-size", def.WarpSize, "lanes per warp"),
			cli.NewFlag("cta", def.WarpsPerCTA, "warps per CTA"),
			cli.NewFlag("issue", def.IssueWidth, "warps issued per cycle"),
			cli.NewFlag("max-st", def.MaxSplitsPhysical, "physical SplitsTable rows"),
			cli.NewFlag("max-rec", def.MaxReconvergencePhysical, "physical ReconvergenceTable rows"),
			cli.NewFlag("timeout", int(def.TimeoutThreshold), "reconvergence timeout threshold, cycles"),
			cli.NewFlag("timeout-interval", int(def.TimeoutInterval), "cycles between timeout sweeps"),
			cli.NewFlag("mem-latency", int(def.Memory.Latency()), "memory latency, cycles"),
			cli.NewFlag("mem-ports", def.Memory.Ports(), "memory requests accepted per cycle"),
			cli.NewFlag("max-cycles", 10_000_000, "abort after this many cycles"),
		},
	}

	listCmd := &cli.Command{
		Name:   "list",
		Action: listAct,
	}

	app := &cli.Command{
		Name:        "simt",
		Description: "simt simulates SIMT divergence and reconvergence on a shader core",
		Commands: []*cli.Command{
			runCmd,
			listCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func listAct(c *cli.Command) error {
	for _, n := range kernel.Builtins() {
		fmt.Println(n)
	}

	return nil
}

func configFromFlags(c *cli.Command) (cfg simt.Config, err error) {
	cfg = simt.DefaultConfig()

	cfg.Mode, err = simt.ParseMode(c.String("mode"))
	if err != nil {
		return cfg, err
	}

	cfg.NumWarps = c.Int("warps")
	cfg.WarpSize = c.Int("warp-size")
	cfg.WarpsPerCTA = c.Int("cta")
	cfg.IssueWidth = c.Int("issue")
	cfg.MaxSplitsPhysical = c.Int("max-st")
	cfg.MaxReconvergencePhysical = c.Int("max-rec")
	cfg.TimeoutThreshold = uint64(c.Int("timeout"))
	cfg.TimeoutInterval = uint64(c.Int("timeout-interval"))
	cfg.Memory = memsys.MakeBuilder().
		WithLatency(uint64(c.Int("mem-latency"))).
		WithPorts(c.Int("mem-ports"))

	return cfg, cfg.Validate()
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg, err := configFromFlags(c)
	if err != nil {
		return errors.Wrap(err, "config")
	}

	names := []string{c.String("kernel")}
	if names[0] == "all" {
		names = kernel.Builtins()
	}

	fmt.Printf("%-10s %-6s %9s %6s %6s %6s %6s %8s %8s\n", "kernel", "mode", "cycles", "ipc", "simd", "div", "tmo", "spills", "fills")

	for _, n := range names {
		s, err := runKernel(ctx, cfg, n, uint64(c.Int("max-cycles")))
		if err != nil {
			return errors.Wrap(err, "kernel %v", n)
		}

		fmt.Printf("%-10s %-6v %9d %6.3f %6.3f %6d %6d %8d %8d\n", n, cfg.Mode, s.Cycles, s.IPC(), s.SIMDEfficiency(cfg.WarpSize),
			s.Divergences, s.TimedOutRows, s.SplitSpills+s.RecSpills, s.SplitFills+s.RecFills)
	}

	return nil
}

func runKernel(ctx context.Context, cfg simt.Config, name string, maxCycles uint64) (s simt.Stats, err error) {
	p, err := kernel.Builtin(name)
	if err != nil {
		return s, err
	}

	core, err := simt.NewCore(cfg, p)
	if err != nil {
		return s, err
	}

	if err = core.Run(ctx, maxCycles); err != nil {
		return s, err
	}

	if err = core.Verify(); err != nil {
		return s, err
	}

	return core.Stats(), nil
}
