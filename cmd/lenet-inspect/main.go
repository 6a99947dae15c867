package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"lenet-forge/internal/checkpoint"
	"lenet-forge/internal/dataset"
	"lenet-forge/internal/model"
	"lenet-forge/internal/trainer"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func main() {
	klog.InitFlags(nil)
	dataDir := flag.String("data-dir", "data", "Dataset root holding MNIST/")
	eval := flag.Bool("eval", false, "Evaluate the checkpoint on the MNIST test split")
	batchSize := flag.Int("batch-size", 32, "Evaluation batch size")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] checkpoint\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	state, err := checkpoint.Load(path)
	if err != nil {
		klog.Exitf("load checkpoint: %+v", err)
	}
	info := must.M1(os.Stat(path))

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s  (%s, %s, %s values)", path, state.DType,
		humanize.Bytes(uint64(info.Size())), humanize.Comma(int64(state.NumValues())))))
	fmt.Println(tensorTable(state))
	if len(state.Metadata) > 0 {
		fmt.Println(metadataTable(state.Metadata))
	}

	if !*eval {
		return
	}
	net := must.M1(model.NewLeNet5(rand.New(rand.NewSource(0))))
	if err := net.LoadStateDict(state.Tensors); err != nil {
		klog.Exitf("checkpoint does not fit LeNet5: %+v", err)
	}
	test, err := dataset.Open(*dataDir, "test", dataset.OpenOptions{})
	if err != nil {
		klog.Exitf("open test split: %+v", err)
	}
	loader := must.M1(dataset.NewLoader(test, *batchSize, false, nil))
	loss, acc, err := trainer.Evaluate(net, loader)
	if err != nil {
		klog.Exitf("evaluate: %+v", err)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("test samples=%s loss=%.4f acc_rate=%.4f",
		humanize.Comma(int64(test.Len())), loss, acc)))
}

func tensorTable(state *checkpoint.State) string {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("tensor", "shape", "values", "mean", "std").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, n := range state.Tensors {
		mean, std := stat.MeanStdDev(n.Tensor.Data, nil)
		t.Row(n.Name, n.Tensor.Shape.String(), humanize.Comma(int64(len(n.Tensor.Data))),
			fmt.Sprintf("%+.4f", mean), fmt.Sprintf("%.4f", std))
	}
	return t.String()
}

func metadataTable(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := lgtable.New().Border(lipgloss.RoundedBorder()).Headers("key", "value")
	for _, k := range keys {
		t.Row(k, strings.TrimSpace(meta[k]))
	}
	return t.String()
}
