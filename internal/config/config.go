package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// include 只接受 viper 能按扩展名识别的格式。
var includeExts = map[string]bool{".yaml": true, ".yml": true, ".toml": true, ".json": true}

// Load 读取主配置及其 include 链，补齐默认值并校验。
func Load(path string) (*Config, error) {
	layers, err := loadLayers(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetEnvPrefix("TRADESIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, l := range layers {
		if err := v.MergeConfigMap(l.settings); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", l.path, err)
		}
	}
	// 先记下文件里出现过的键，BindEnv 之后 AllKeys 会带上环境变量键
	setKeys := make(keySet)
	for _, key := range v.AllKeys() {
		if key != "include" {
			setKeys.mark(key)
		}
	}
	bindSecretEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// layer 是一个已读取的配置文件；合并顺序为被 include 的文件在前。
type layer struct {
	path     string
	settings map[string]any
}

type layerLoader struct {
	layers   []layer
	done     map[string]bool
	visiting []string
}

func loadLayers(path string) ([]layer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := &layerLoader{done: make(map[string]bool)}
	if err := l.visit(abs, ""); err != nil {
		return nil, err
	}
	return l.layers, nil
}

func (l *layerLoader) visit(path, from string) error {
	path = filepath.Clean(path)
	for _, p := range l.visiting {
		if p == path {
			chain := append(append([]string{}, l.visiting...), path)
			return fmt.Errorf("include cycle detected: %s", strings.Join(chain, " -> "))
		}
	}
	if l.done[path] {
		return nil
	}
	if err := checkIncludeFile(path, from); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := includeList(v.Get("include"))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	l.visiting = append(l.visiting, path)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := l.visit(inc, path); err != nil {
			return err
		}
	}
	l.visiting = l.visiting[:len(l.visiting)-1]

	settings := v.AllSettings()
	delete(settings, "include")
	l.layers = append(l.layers, layer{path: path, settings: settings})
	l.done[path] = true
	return nil
}

func checkIncludeFile(path, from string) error {
	where := path
	if from != "" {
		where = fmt.Sprintf("%s (included from %s)", path, from)
	}
	if ext := strings.ToLower(filepath.Ext(path)); !includeExts[ext] {
		return fmt.Errorf("config %s: unsupported extension %q", where, ext)
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config %s: file not found", where)
	case err != nil:
		return fmt.Errorf("config %s: %w", where, err)
	case info.IsDir():
		return fmt.Errorf("config %s: is a directory", where)
	}
	return nil
}

// includeList 接受单个文件名或文件名数组，忽略空项。
func includeList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var items []string
	if s, ok := raw.(string); ok {
		items = []string{s}
	} else {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("include must be a string or a string array, got %T", raw)
		}
		for i, item := range list {
			s, err := cast.ToStringE(item)
			if err != nil {
				return nil, fmt.Errorf("include[%d]: expected a file name, got %T", i, item)
			}
			items = append(items, s)
		}
	}
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// bindSecretEnv 允许通过 TRADESIM_EXCHANGE_API_KEY 等环境变量覆盖密钥与连接串。
func bindSecretEnv(v *viper.Viper) {
	for _, key := range []string{"exchange.api_key", "exchange.api_secret", "records.dsn"} {
		_ = v.BindEnv(key)
	}
}
