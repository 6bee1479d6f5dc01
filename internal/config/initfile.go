package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteInitFile 生成一份带默认值的配置文件，-init-config 用。
// 目标文件已存在时拒绝覆盖。
func WriteInitFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("配置文件已存在: %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var cfg Config
	cfg.Venue.Sandbox = true
	cfg.applyDefaults()

	buf, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	header := []byte("# kalbot 配置文件\n# 金额以美元为单位，内部以美分整数计算。\n")
	return os.WriteFile(path, append(header, buf...), 0o644)
}
