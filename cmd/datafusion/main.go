// Package main is the entrypoint for the datafusion CLI. It joins two
// SQL-backed tables with the sort-merge join operator and prints the result,
// or explains the plan it would run.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/geetanshjuneja/datafusion/internal/adapters/sqlscan"
	"github.com/geetanshjuneja/datafusion/internal/config"
	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/join"
	"github.com/geetanshjuneja/datafusion/internal/observability"
	"github.com/geetanshjuneja/datafusion/internal/plan"
	"github.com/geetanshjuneja/datafusion/internal/sqlexpr"
)

const version = "0.1.0"

// Exit codes mirror the engine error categories.
const (
	exitSuccess  = 0
	exitPlan     = 1
	exitResource = 2
	exitInternal = 4
)

type joinFlags struct {
	configPath string
	driver     string
	dsn        string
	leftQuery  string
	rightQuery string
	on         string
	joinType   string
	filter     string
	nullsEqual bool
	descending bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "datafusion: %v\n", err)
		switch {
		case errors.IsPlan(err), errors.IsNotImplemented(err):
			os.Exit(exitPlan)
		case errors.IsResourcesExhausted(err):
			os.Exit(exitResource)
		default:
			os.Exit(exitInternal)
		}
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "datafusion",
		Short:         "Columnar execution engine tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := &joinFlags{}
	runCmd := &cobra.Command{
		Use:   "join",
		Short: "Run a sort-merge join over two queries and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), flags, false)
		},
	}
	addJoinFlags(runCmd, flags)

	explainFlags := &joinFlags{}
	explainCmd := &cobra.Command{
		Use:   "explain",
		Short: "Describe the join plan without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), explainFlags, true)
		},
	}
	addJoinFlags(explainCmd, explainFlags)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Display version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("datafusion %s\n", version)
		},
	}

	root.AddCommand(runCmd, explainCmd, versionCmd)
	return root
}

func addJoinFlags(cmd *cobra.Command, f *joinFlags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file path")
	cmd.Flags().StringVar(&f.driver, "driver", "sqlite", "database/sql driver (sqlite, postgres)")
	cmd.Flags().StringVar(&f.dsn, "dsn", ":memory:", "driver connection string")
	cmd.Flags().StringVar(&f.leftQuery, "left", "", "SQL producing the sorted left input")
	cmd.Flags().StringVar(&f.rightQuery, "right", "", "SQL producing the sorted right input")
	cmd.Flags().StringVar(&f.on, "on", "", "equi-key pairs, e.g. \"a1 = a2, b1 = b2\"")
	cmd.Flags().StringVar(&f.joinType, "type", "Inner", "join type")
	cmd.Flags().StringVar(&f.filter, "filter", "", "residual predicate, e.g. \"c2 > c1\"")
	cmd.Flags().BoolVar(&f.nullsEqual, "null-equals-null", false, "treat null keys as equal")
	cmd.Flags().BoolVar(&f.descending, "descending", false, "inputs are sorted descending")
	cmd.MarkFlagRequired("left")
	cmd.MarkFlagRequired("right")
	cmd.MarkFlagRequired("on")
}

func runJoin(ctx context.Context, f *joinFlags, explainOnly bool) error {
	session, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	joinType, ok := join.ParseJoinType(f.joinType)
	if !ok {
		return errors.NewPlan("unknown join type %q", f.joinType)
	}

	tc := plan.NewTaskContext(session)
	if session.Logging.Format == "json" {
		tc = tc.WithLogger(observability.NewJSONLogger(os.Stderr))
	}

	left, leftSchema, err := loadSide(ctx, tc, f, f.leftQuery)
	if err != nil {
		return err
	}
	defer left.Release()
	right, rightSchema, err := loadSide(ctx, tc, f, f.rightQuery)
	if err != nil {
		return err
	}
	defer right.Release()

	smj, err := buildJoin(f, joinType, left, leftSchema, right, rightSchema)
	if err != nil {
		return err
	}

	if explainOnly {
		return printExplain(smj)
	}

	stream, err := smj.Execute(ctx, 0, tc)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := printStream(ctx, stream); err != nil {
		return err
	}

	snapshot := smj.Metrics().Snapshot()
	fmt.Fprintf(os.Stderr, "rows=%d batches=%d spills=%d peak_mem=%d join_time=%s\n",
		snapshot.OutputRows, snapshot.OutputBatches, snapshot.SpillCount,
		snapshot.PeakMemUsed, snapshot.JoinTime)
	return nil
}

// loadSide materializes one input query as a single-partition memory scan.
func loadSide(ctx context.Context, tc *plan.TaskContext, f *joinFlags, query string) (*plan.MemoryScanExec, *arrow.Schema, error) {
	source, err := sqlscan.Open(sqlscan.Config{
		Driver:    f.driver,
		DSN:       f.dsn,
		Query:     query,
		BatchSize: tc.Session.Execution.BatchSize,
	})
	if err != nil {
		return nil, nil, err
	}
	defer source.Close()

	stream, err := source.Stream(ctx, tc.Allocator)
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	batches, err := exec.CollectStream(ctx, stream)
	if err != nil {
		return nil, nil, err
	}
	scan := plan.NewMemoryScanExec(stream.Schema(), [][]arrow.Record{batches})
	for _, b := range batches {
		b.Release()
	}
	return scan, stream.Schema(), nil
}

func buildJoin(f *joinFlags, joinType join.JoinType, left plan.ExecutionPlan, leftSchema *arrow.Schema, right plan.ExecutionPlan, rightSchema *arrow.Schema) (*join.SortMergeJoinExec, error) {
	leftKeys, rightKeys, err := sqlexpr.ParseJoinOn(f.on, leftSchema, rightSchema)
	if err != nil {
		return nil, err
	}
	on := make([]join.OnPair, len(leftKeys))
	sortOptions := make([]expr.SortOptions, len(leftKeys))
	for i := range leftKeys {
		on[i] = join.OnPair{Left: leftKeys[i], Right: rightKeys[i]}
		sortOptions[i] = expr.SortOptions{Descending: f.descending, NullsFirst: true}
	}

	var filter *join.Filter
	if f.filter != "" {
		filter, err = sqlexpr.ParseFilter(f.filter, leftSchema, rightSchema)
		if err != nil {
			return nil, err
		}
	}

	nullEquality := join.NullEqualsNothing
	if f.nullsEqual {
		nullEquality = join.NullEqualsNull
	}
	return join.NewSortMergeJoinExec(left, right, on, filter, joinType, sortOptions, nullEquality)
}

// printExplain renders the plan description as YAML.
func printExplain(smj *join.SortMergeJoinExec) error {
	type orderingEntry struct {
		Expr       string `yaml:"expr"`
		Descending bool   `yaml:"descending"`
		NullsFirst bool   `yaml:"nulls_first"`
	}
	doc := struct {
		Plan         string            `yaml:"plan"`
		JoinType     string            `yaml:"join_type"`
		NullEquality string            `yaml:"null_equality"`
		Schema       []string          `yaml:"schema"`
		Ordering     [][]orderingEntry `yaml:"required_ordering"`
	}{
		Plan:         smj.String(),
		JoinType:     smj.JoinType().String(),
		NullEquality: smj.NullEquality().String(),
	}
	for _, field := range smj.Schema().Fields() {
		doc.Schema = append(doc.Schema, fmt.Sprintf("%s: %s", field.Name, field.Type))
	}
	for _, side := range smj.RequiredInputOrdering() {
		entries := make([]orderingEntry, len(side))
		for i, se := range side {
			entries[i] = orderingEntry{
				Expr:       se.Expr.String(),
				Descending: se.Options.Descending,
				NullsFirst: se.Options.NullsFirst,
			}
		}
		doc.Ordering = append(doc.Ordering, entries)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// printStream renders the joined batches as a simple text table.
func printStream(ctx context.Context, stream exec.RecordBatchStream) error {
	names := make([]string, len(stream.Schema().Fields()))
	for i, field := range stream.Schema().Fields() {
		names[i] = field.Name
	}
	fmt.Println(strings.Join(names, "\t"))

	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		for row := 0; row < int(batch.NumRows()); row++ {
			cells := make([]string, int(batch.NumCols()))
			for col := 0; col < int(batch.NumCols()); col++ {
				arr := batch.Column(col)
				if arr.IsNull(row) {
					cells[col] = "NULL"
				} else {
					cells[col] = arr.ValueStr(row)
				}
			}
			fmt.Println(strings.Join(cells, "\t"))
		}
		batch.Release()
	}
}
