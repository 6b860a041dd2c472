package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch loads the configuration like Load and then calls onChange with the
// re-decoded configuration every time the file changes. Invalid edits are
// logged and skipped. Without a config file there is nothing to watch and
// onChange is never called.
func Watch(path string, onChange func(*Config)) (*Config, error) {
	cfg, v, err := load(path)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := Default()
		if err := decode(v, next); err != nil {
			zap.L().Warn("ignore invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		zap.L().Info("config reloaded", zap.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
