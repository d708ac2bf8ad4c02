package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/born-ml/born/tensor"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/cellseg/modelzoo"
	"github.com/born-ml/cellseg/shape"
)

func runSummary(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	var mf modelFlags
	mf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := mf.config()
	if err != nil {
		return err
	}
	return withBackend(mf.device, log, summaryTask{cfg: cfg, log: log})
}

type summaryTask struct {
	cfg modelzoo.FPNetConfig
	log *logrus.Logger
}

func (t summaryTask) runCPU(b cpuBackend) error { return summarize(t.cfg, b, t.log) }

func summarize[B tensor.Backend](cfg modelzoo.FPNetConfig, backend B, log *logrus.Logger) error {
	model, err := modelzoo.NewFPNet(cfg, backend, modelzoo.WithLogger[B](logrus.NewEntry(log)))
	if err != nil {
		return err
	}
	out, err := model.ComputeOutputShape(shape.Of(-1, cfg.InputShape[0], cfg.InputShape[1], cfg.InputShape[2]))
	if err != nil {
		return err
	}

	x := tensor.Zeros[float32](tensor.Shape{1, cfg.InputShape[0], cfg.InputShape[1], cfg.InputShape[2]}, backend)
	_, inter := model.ForwardWithIntermediates(x)
	names := make([]string, 0, len(inter))
	for name := range inter {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", cfg.Name)
	fmt.Fprintf(w, "backbone\t%s\n", cfg.Backbone)
	fmt.Fprintf(w, "pyramid\t%v\n", model.PyramidNames())
	fmt.Fprintf(w, "output\t%s\n", out)
	fmt.Fprintf(w, "parameters\t%d\n\n", model.NumParameters())
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%v\n", name, inter[name].Shape())
	}
	return w.Flush()
}
