// flowprof - profile-guided flowgraph weight tool
//
// Replays method fixtures through the profile pipeline:
//   solve       run the block/edge weight solver and dump the result
//   instrument  build an instrumentation schema and allocate counters
//   chart       render the weighted flowgraph as an HTML graph
//   store       inspect a profile store
package main

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/flowprof/config"
	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
	"github.com/colorfulnotion/flowprof/pgo"
	"github.com/colorfulnotion/flowprof/pgodb"
)

func main() {
	var (
		configPath string
		dbPath     string
		output     string
	)

	rootCmd := &cobra.Command{
		Use:   "flowprof",
		Short: "Profile-guided flowgraph weight tool",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "profile store path (empty = in-memory)")

	loadConfig := func() config.Config {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		log.InitLogger(cfg.LogLevel)
		if cfg.DebugModules != "" {
			log.EnableModules(cfg.DebugModules)
		}
		return cfg
	}

	buildFixture := func(path string, cfg config.Config) *pgo.Compilation {
		fixture, err := pgo.LoadFixture(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		comp, err := fixture.Build(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return comp
	}

	solveCmd := &cobra.Command{
		Use:   "solve <fixture.json>",
		Short: "Run the block/edge weight solver on a method fixture",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			comp := buildFixture(args[0], cfg)

			res := comp.ComputeBlockAndEdgeWeights()
			fmt.Print(comp.Graph.Dump())
			fmt.Printf("method:          %s\n", comp.MethodName)
			fmt.Printf("called count:    %g\n", res.CalledCount)
			fmt.Printf("edges:           %d (solved in %d passes)\n", res.EdgeCount, res.Iterations)
			fmt.Printf("valid edges:     %v (slop used %v, ranges left %v)\n",
				res.HasValidEdgeWeights, res.SlopUsed, res.RangeUsed)
			if res.InconsistentProfile {
				fmt.Println("profile data is inconsistent; downstream uses synthetic heuristics")
			}

			if cfg.ProfileChecks > 0 {
				check, err := comp.CheckProfileData()
				fmt.Printf("check:           %d problems (%d profiled, %d unprofiled)\n",
					check.ProblemBlocks, check.ProfiledBlocks, check.UnprofiledBlocks)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%v\n", err)
					os.Exit(1)
				}
			}
		},
	}

	instrumentCmd := &cobra.Command{
		Use:   "instrument <fixture.json>",
		Short: "Build an instrumentation schema and allocate counters in the store",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			comp := buildFixture(args[0], cfg)
			// Fixture counts describe the read side; instrumentation
			// starts from a bare graph.
			comp.Schema = nil
			comp.Data = nil

			store, err := pgodb.NewProfileStore(dbPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer store.Close()

			if err := comp.InstrumentMethod(store); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			if comp.InstrSchema == nil {
				fmt.Println("method not instrumented")
				return
			}
			fmt.Printf("method %s: %d schema entries, %d buffer bytes\n",
				comp.MethodName, len(comp.InstrSchema), pgo.BufferSize(comp.InstrSchema))
			for i, e := range comp.InstrSchema {
				fmt.Printf("  [%2d] kind=%d il=0x%04X count=%d other=0x%08X offset=%d\n",
					i, e.Kind, e.ILOffset, e.Count, e.Other, e.Offset)
			}
		},
		Args: cobra.ExactArgs(1),
	}

	chartCmd := &cobra.Command{
		Use:   "chart <fixture.json>",
		Short: "Render the solved flowgraph as an HTML graph",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			comp := buildFixture(args[0], cfg)
			comp.ComputeBlockAndEdgeWeights()

			if err := renderChart(comp, output); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			fmt.Printf("wrote %s\n", output)
		},
	}
	chartCmd.Flags().StringVarP(&output, "output", "o", "flowgraph.html", "output HTML file")

	storeListCmd := &cobra.Command{
		Use:   "list",
		Short: "List methods with stored profiles",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			store, err := pgodb.NewProfileStore(dbPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer store.Close()

			methods, err := store.Methods()
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			for _, m := range methods {
				schema, buffer, err := store.LoadProfile(m)
				if err != nil {
					fmt.Printf("%016x: %v\n", uint64(m), err)
					continue
				}
				fmt.Printf("%016x: %d schema entries, %d buffer bytes\n", uint64(m), len(schema), len(buffer))
			}
		},
	}

	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect a profile store",
	}
	storeCmd.AddCommand(storeListCmd)

	rootCmd.AddCommand(solveCmd, instrumentCmd, chartCmd, storeCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// renderChart draws blocks as graph nodes sized by weight and edges
// labeled with their solved ranges.
func renderChart(comp *pgo.Compilation, outPath string) error {
	graph := charts.NewGraph()
	graph.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Flowgraph weights: " + comp.MethodName,
			Subtitle: "block weights and solved edge ranges",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	nodes := make([]opts.GraphNode, 0, len(comp.Graph.Blocks))
	links := make([]opts.GraphLink, 0)
	for _, b := range comp.Graph.Blocks {
		color := "green"
		if b.HasFlag(flowgraph.FlagRunRarely) {
			color = "red"
		} else if !b.HasProfileWeight {
			color = "gray"
		}
		nodes = append(nodes, opts.GraphNode{
			Name:      fmt.Sprintf("BB%02d", b.Num),
			Value:     float32(b.Weight),
			ItemStyle: &opts.ItemStyle{Color: color},
		})
	}
	for _, b := range comp.Graph.Blocks {
		for _, e := range b.Preds {
			links = append(links, opts.GraphLink{
				Source: fmt.Sprintf("BB%02d", e.Src().Num),
				Target: fmt.Sprintf("BB%02d", b.Num),
				Value:  float32(e.WeightMax()),
			})
		}
	}

	graph.AddSeries("flowgraph", nodes, links).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:  &opts.GraphForce{Repulsion: 1000, Gravity: 0.3},
			Layout: "force",
			Roam:   opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	page := components.NewPage()
	page.AddCharts(graph)
	return page.Render(f)
}
