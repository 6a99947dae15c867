package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"k8s.io/klog/v2"

	"lenet-forge/internal/config"
	"lenet-forge/internal/pipeline"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config (built-in defaults when empty)")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	lr := flag.Float64("lr", 0, "Initial learning rate")
	dataDir := flag.String("data-dir", "", "Dataset root holding MNIST/")
	dev := flag.String("device", "", "Compute device: auto, cpu or cpu-parallel")
	trackerMode := flag.String("tracker", "", "Tracker mode: offline, online or disabled")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Emit metrics every N batches")
	evaluate := flag.Bool("evaluate", false, "Evaluate on the test split after every epoch")
	source := flag.String("source", "", "Program source bundled with the artifact (defaults to this file)")
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			klog.Exitf("failed to load config: %v", err)
		}
	}

	o := config.Overrides{
		Epochs:   *epochs,
		LR:       *lr,
		DataDir:  *dataDir,
		Device:   *dev,
		Tracker:  *trackerMode,
		Seed:     *seed,
		LogEvery: *logEvery,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "evaluate" {
			o.Evaluate = evaluate
		}
	})
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := pipeline.Run(ctx, cfg, pipeline.Deps{SourcePath: sourcePath(*source)})
	if err != nil {
		klog.Errorf("training failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Infof("run=%s steps=%d final_lr=%g checkpoint=%s artifact=%s",
		sum.RunID, sum.Result.Steps, sum.Result.FinalLR, sum.Checkpoint, sum.Artifact.QualifiedName())
}

// sourcePath resolves the file bundled as the program source. The compiled-in
// path is only used when it still exists on this machine.
func sourcePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	if _, err := os.Stat(file); err != nil {
		klog.Warningf("program source %s not found, artifact will not include it", file)
		return ""
	}
	return file
}
