package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IMGFORGE_"

type Config struct {
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
	Models  Models  `yaml:"models"`
	Runtime Runtime `yaml:"runtime"`
	Cache   Cache   `yaml:"cache"`
	Convert Convert `yaml:"convert"`
}

type Server struct {
	Addr string `yaml:"addr"`
	// 上传大小限制（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type Log struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

// Model 一个模型的权重地址和推理输入尺寸
type Model struct {
	URL  string `yaml:"url"`
	File string `yaml:"file"`
	Size int    `yaml:"size"`
}

type Models struct {
	Dir        string        `yaml:"dir"`
	TTL        time.Duration `yaml:"ttl"`
	PruneSpec  string        `yaml:"prune_spec"`
	Express    Model         `yaml:"express"`
	Balanced   Model         `yaml:"balanced"`
	Pro        Model         `yaml:"pro"`
	Inpainting Model         `yaml:"inpainting"`
}

type Runtime struct {
	LibraryPath  string        `yaml:"library_path"`
	InitTimeout  time.Duration `yaml:"init_timeout"`
	InferTimeout time.Duration `yaml:"infer_timeout"`
	// 强制使用某个执行后端（gpu-compute / gpu-shader / cpu），空表示自动探测
	Provider string `yaml:"provider"`
}

type Cache struct {
	MaxEntries int `yaml:"max_entries"`
}

type Convert struct {
	Quality int `yaml:"quality"`
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", MaxUploadBytes: 64 << 20},
		Log:    Log{Level: "info"},
		Models: Models{
			Dir:       "models",
			TTL:       72 * time.Hour,
			PruneSpec: "@every 1h",
			Express: Model{
				URL:  "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2netp.onnx",
				File: "u2netp.onnx",
				Size: 320,
			},
			Balanced: Model{
				URL:  "https://huggingface.co/briaai/RMBG-1.4/resolve/main/onnx/model_fp16.onnx",
				File: "rmbg-1.4-fp16.onnx",
				Size: 1024,
			},
			Pro: Model{
				URL:  "https://huggingface.co/onnx-community/BiRefNet_lite-ONNX/resolve/main/onnx/model.onnx",
				File: "birefnet-lite.onnx",
				Size: 1024,
			},
			Inpainting: Model{
				URL:  "https://huggingface.co/Carve/LaMa-ONNX/resolve/main/lama_fp32.onnx",
				File: "lama.onnx",
				Size: 512,
			},
		},
		Runtime: Runtime{
			InitTimeout:  30 * time.Second,
			InferTimeout: 45 * time.Second,
		},
		Convert: Convert{Quality: 90},
	}
}

// Load 依次应用：默认值 -> YAML 文件 -> .env -> IMGFORGE_* 环境变量
// path 为空时跳过 YAML；.env 不存在时忽略
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("MODELS_DIR", &c.Models.Dir)
	str("PRUNE_SPEC", &c.Models.PruneSpec)
	str("ORT_LIBRARY", &c.Runtime.LibraryPath)
	str("PROVIDER", &c.Runtime.Provider)
	if v, ok := os.LookupEnv(envPrefix + "DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEV: %w", envPrefix, err)
		}
		c.Log.Development = b
	}

	return errors.Join(
		dur("MODELS_TTL", &c.Models.TTL),
		dur("INIT_TIMEOUT", &c.Runtime.InitTimeout),
		dur("INFER_TIMEOUT", &c.Runtime.InferTimeout),
		num("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries),
		num("QUALITY", &c.Convert.Quality),
	)
}

func (c Config) Validate() error {
	var errs []error
	if c.Runtime.InitTimeout <= 0 {
		errs = append(errs, errors.New("runtime.init_timeout must be positive"))
	}
	if c.Runtime.InferTimeout <= 0 {
		errs = append(errs, errors.New("runtime.infer_timeout must be positive"))
	}
	if c.Convert.Quality < 1 || c.Convert.Quality > 100 {
		errs = append(errs, fmt.Errorf("convert.quality %d out of range 1-100", c.Convert.Quality))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}
	if c.Models.TTL < 0 {
		errs = append(errs, errors.New("models.ttl must not be negative"))
	}
	switch strings.ToLower(c.Runtime.Provider) {
	case "", "gpu-compute", "gpu-shader", "cpu":
	default:
		errs = append(errs, fmt.Errorf("runtime.provider %q is not one of gpu-compute, gpu-shader, cpu", c.Runtime.Provider))
	}
	return errors.Join(errs...)
}
