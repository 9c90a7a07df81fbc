package cmd

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/assets"
	"github.com/chaos-io/imgforge/cache"
	"github.com/chaos-io/imgforge/config"
	"github.com/chaos-io/imgforge/convert"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/infer/onnx"
	"github.com/chaos-io/imgforge/inpaint"
	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/normalize"
	"github.com/chaos-io/imgforge/pipeline"
	"github.com/chaos-io/imgforge/progress"
	"github.com/chaos-io/imgforge/provider"
	"github.com/chaos-io/imgforge/rembg"
)

// app 按配置组装所有组件；推理运行时在第一次用到模型时才初始化
type app struct {
	cfg      config.Config
	log      *zap.Logger
	bus      *progress.Bus
	detector *provider.Detector
	runtime  *onnx.Runtime
	worker   *infer.Worker
	store    *assets.Store
	cache    *cache.Cache
	remover  *rembg.Engine
	neural   *inpaint.Neural
	pipeline *pipeline.Pipeline
}

func newApp(cfg config.Config) (*app, error) {
	log := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Development: cfg.Log.Development})
	zap.ReplaceGlobals(log)

	a := &app{cfg: cfg, log: log, bus: progress.NewBus(0)}
	a.runtime = onnx.NewRuntime(cfg.Runtime.LibraryPath, log.Named("onnx"))

	if cfg.Runtime.Provider != "" {
		p, err := provider.Parse(cfg.Runtime.Provider)
		if err != nil {
			return nil, err
		}
		a.detector = provider.Fixed(p)
	} else {
		a.detector = provider.NewDetector(a.runtime.Probes(), log.Named("provider"))
	}

	a.worker = infer.NewWorker(a.runtime, 0, log.Named("worker"))
	a.store = assets.NewStore(cfg.Models.Dir, cfg.Models.TTL, assets.WithLogger(log.Named("assets")))
	a.cache = cache.New(cfg.Cache.MaxEntries)

	a.remover = rembg.NewEngine(rembg.Config{
		Loader:       rembg.NewNetLoader(a.store, a.worker, rembg.SpecsFromConfig(cfg.Models)),
		Cache:        a.cache,
		Detector:     a.detector,
		Sink:         a.bus,
		Logger:       log.Named("rembg"),
		InitTimeout:  cfg.Runtime.InitTimeout,
		InferTimeout: cfg.Runtime.InferTimeout,
	})

	if cfg.Models.Inpainting.File != "" {
		a.neural = inpaint.NewNeural(inpaint.NeuralConfig{
			Worker:       a.worker,
			Store:        a.store,
			Detector:     a.detector,
			ModelURL:     cfg.Models.Inpainting.URL,
			ModelFile:    cfg.Models.Inpainting.File,
			Sink:         a.bus,
			Logger:       log.Named("inpaint"),
			InitTimeout:  cfg.Runtime.InitTimeout,
			InferTimeout: cfg.Runtime.InferTimeout,
		})
	}

	pcfg := pipeline.Config{
		Normalizer:     normalize.New(log.Named("normalize")),
		Remover:        a.remover,
		Converter:      convert.NewDefault(convert.WithLogger(log.Named("convert")), convert.WithDefaultQuality(cfg.Convert.Quality)),
		Sink:           a.bus,
		Logger:         log.Named("pipeline"),
		DefaultQuality: cfg.Convert.Quality,
	}
	// 接口里放 nil 指针会让 pipeline 误以为已配置
	if a.neural != nil {
		pcfg.Neural = a.neural
	}
	a.pipeline = pipeline.New(pcfg)
	return a, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.neural != nil {
		errs = append(errs, a.neural.Close(ctx))
	}
	a.remover.Reset()
	errs = append(errs, a.worker.Stop(), a.runtime.Destroy())
	_ = a.log.Sync()
	return errors.Join(errs...)
}
