package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration 让 yaml 中可以写 "2s"、"20m" 这类时长字符串
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`

	// Providers 各生成能力的 Worker 地址（prompt 分析 / 分镜 / 生图 / 语音 / 音乐 / 图生视频）
	Providers struct {
		Analyze string `yaml:"analyze"`
		Scenes  string `yaml:"scenes"`
		Image   string `yaml:"image"`
		Speech  string `yaml:"speech"`
		Music   string `yaml:"music"`
		Video   string `yaml:"video"`
	} `yaml:"providers"`

	// Generation 生成策略常量（容差、阶段权重、并发上限、重试退避等）
	Generation GenerationConfig `yaml:"generation"`
}

type GenerationConfig struct {
	// MaxRunningTasks 同时执行的任务数上限，超出的提交在队列中等待
	MaxRunningTasks int `yaml:"max_running_tasks"`
	// SceneWorkers 单个任务内按场景并发的 worker 数上限
	SceneWorkers     int     `yaml:"scene_workers"`
	MinSceneDuration float64 `yaml:"min_scene_duration"`
	// DurationEpsilon 时长匹配容差（秒）
	DurationEpsilon float64 `yaml:"duration_epsilon"`
	// AdjustMaxPasses 时长校正的最大修正轮数，超出视为不收敛
	AdjustMaxPasses     int      `yaml:"adjust_max_passes"`
	ProviderMaxAttempts int      `yaml:"provider_max_attempts"`
	ProviderBackoff     Duration `yaml:"provider_backoff"`
	PollInterval        Duration `yaml:"poll_interval"`
	PollTimeout         Duration `yaml:"poll_timeout"`
	TerminalCacheTTL    Duration `yaml:"terminal_cache_ttl"`
	// StageWeights 阶段权重表（静态配置，和必须为 100），为空时使用内置默认表
	StageWeights map[string]int `yaml:"stage_weights"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		panic(fmt.Sprintf("配置文件读取失败: %v", err))
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		panic(fmt.Sprintf("配置文件解析失败: %v", err))
	}
	applyGenerationDefaults(&AppConfig.Generation)
}

// applyGenerationDefaults 未配置的策略项使用默认值
func applyGenerationDefaults(g *GenerationConfig) {
	if g.MaxRunningTasks <= 0 {
		g.MaxRunningTasks = 4
	}
	if g.SceneWorkers <= 0 {
		g.SceneWorkers = 3
	}
	if g.MinSceneDuration <= 0 {
		g.MinSceneDuration = 3.0
	}
	if g.DurationEpsilon <= 0 {
		g.DurationEpsilon = 0.05
	}
	if g.AdjustMaxPasses <= 0 {
		g.AdjustMaxPasses = 3
	}
	if g.ProviderMaxAttempts <= 0 {
		g.ProviderMaxAttempts = 3
	}
	if g.ProviderBackoff <= 0 {
		g.ProviderBackoff = Duration(2 * time.Second)
	}
	if g.PollInterval <= 0 {
		g.PollInterval = Duration(3 * time.Second)
	}
	if g.PollTimeout <= 0 {
		g.PollTimeout = Duration(20 * time.Minute)
	}
	if g.TerminalCacheTTL <= 0 {
		g.TerminalCacheTTL = Duration(10 * time.Minute)
	}
}
