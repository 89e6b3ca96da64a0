package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"trainableseg/internal/metrics"
	"trainableseg/internal/models"
	"trainableseg/pkg/config"
	"trainableseg/pkg/knn"
	"trainableseg/pkg/segmentation"
	"trainableseg/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Training image or directory of slices")
	labelsPath := flag.String("labels", "", "Label image or directory of label slices (0 = unlabelled)")
	applyPath := flag.String("apply", "", "Image or directory to segment with the trained model (default: the training slices)")
	configPath := flag.String("config", "", "YAML configuration file")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")
	outputDir := flag.String("output", "", "Directory for the segmentation images")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: all available)")
	probability := flag.Bool("probability", false, "Write per-class probability maps")
	k := flag.Int("k", 0, "Number of neighbours of the k-NN classifier")
	cacheDir := flag.String("cache", "", "Feature cache directory")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	// Validate inputs
	if *inputPath == "" || *labelsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output.Dir = *outputDir
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "probability":
			cfg.Processing.Probability = *probability
		case "k":
			cfg.Classifier.K = *k
		case "cache":
			cfg.Cache.Dir = *cacheDir
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	logger := initLogger(cfg.Output.Verbose, cfg.Output.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs metrics.Observer = metrics.NoopObserver{}
	if cfg.Metrics.Addr != "" {
		obs = serveMetrics(cfg.Metrics.Addr, logger)
	}

	start := time.Now()
	if err := run(ctx, cfg, *inputPath, *labelsPath, *applyPath, logger, obs); err != nil {
		if errors.Is(err, models.ErrCancelled) {
			logger.WithError(err).Warn("Segmentation interrupted")
			os.Exit(130)
		}
		logger.WithError(err).Fatal("Segmentation failed")
	}
	logger.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Segmentation completed successfully")
}

func run(ctx context.Context, cfg *config.Config, inputPath, labelsPath, applyPath string,
	logger *logrus.Logger, obs metrics.Observer) error {
	featureCfg, err := cfg.FeatureConfig()
	if err != nil {
		return err
	}
	codec, err := cfg.CacheCodec()
	if err != nil {
		return err
	}

	// Step 1: load the training slices and their labels
	slices, err := segmentation.LoadSlices(inputPath)
	if err != nil {
		return fmt.Errorf("failed to load slices: %w", err)
	}
	labels, err := segmentation.LoadLabelPlanes(labelsPath)
	if err != nil {
		return fmt.Errorf("failed to load labels: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"slices": len(slices),
		"width":  slices[0].Planes[0].Width,
		"height": slices[0].Planes[0].Height,
	}).Info("Loaded training slices")

	params := &segmentation.Params{
		NumCores:    cfg.Processing.NumCores,
		Probability: cfg.Processing.Probability,
		BatchSize:   cfg.Processing.BatchSize,
		CacheDir:    cfg.Cache.Dir,
		CacheCodec:  codec,
		Trainer:     knn.NewTrainer(cfg.Classifier.K),
	}
	session, err := segmentation.NewSegmentator(slices, featureCfg, params,
		segmentation.WithLogger(logger),
		segmentation.WithObserver(obs),
		segmentation.WithProgressCallback(printProgress),
	)
	if err != nil {
		return err
	}
	if err := session.AddLabelPlanes(labels); err != nil {
		return err
	}
	if len(cfg.Features.Selected) > 0 {
		session.SelectFeatures(cfg.Features.Selected)
	}

	// Step 2: train
	if err := session.Train(ctx); err != nil {
		return err
	}

	// Step 3: classify
	var result *models.Result
	if applyPath == "" {
		result, err = session.ApplyToTraining(ctx)
	} else {
		var target []*models.Slice
		target, err = segmentation.LoadSlices(applyPath)
		if err != nil {
			return fmt.Errorf("failed to load slices to segment: %w", err)
		}
		result, err = session.Apply(ctx, target)
	}
	fmt.Println()
	if err != nil {
		return err
	}

	// Step 4: save the class maps
	viewer, err := visualization.NewViewer(result)
	if err != nil {
		return err
	}
	if err := viewer.SaveSliceSequence("z", cfg.Output.Dir); err != nil {
		return fmt.Errorf("failed to save segmentation: %w", err)
	}

	counts := viewer.ClassCounts()
	names := session.ClassNames()
	for c, n := range counts {
		name := fmt.Sprintf("class %d", c)
		if c < len(names) {
			name = names[c]
		}
		logger.WithFields(logrus.Fields{"class": name, "pixels": n}).Info("Class summary")
	}
	logger.WithField("dir", cfg.Output.Dir).Info("Segmentation saved")
	return nil
}

// initLogger initializes the logger with appropriate level and format
func initLogger(verbose bool, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}

// serveMetrics exposes a Prometheus registry over HTTP in the background
func serveMetrics(addr string, logger *logrus.Logger) metrics.Observer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := metrics.NewPrometheusObserver(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	return obs
}

func printProgress(completed, total int, message string) {
	if total == 0 {
		return
	}
	progress := float64(completed) / float64(total) * 100
	fmt.Printf("\rClassifying: %.1f%% complete %s", progress, message)
}
