package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"

	"kalbot/internal/logger"
)

// ParamsFile 策略参数文件。文件变更在下一个周期边界生效。
type ParamsFile struct {
	MeanReversion *MeanReversionParams `mapstructure:"mean_reversion" json:"mean_reversion"`
	Momentum      *MomentumParams      `mapstructure:"momentum" json:"momentum"`
	MarketMaking  *MarketMakingParams  `mapstructure:"market_making" json:"market_making"`
}

const paramsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "mean_reversion": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "extreme_threshold": {"type": "integer", "minimum": 51, "maximum": 99},
        "min_threshold": {"type": "integer", "minimum": 1, "maximum": 49},
        "exit_target": {"type": "integer", "minimum": 1, "maximum": 99},
        "base_size_cents": {"type": "integer", "minimum": 1},
        "max_size_cents": {"type": "integer", "minimum": 1}
      }
    },
    "momentum": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "short_ma": {"type": "integer", "minimum": 2},
        "long_ma": {"type": "integer", "minimum": 3},
        "momentum_threshold": {"type": "number", "minimum": 0},
        "size_cents": {"type": "integer", "minimum": 1}
      }
    },
    "market_making": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_spread": {"type": "integer", "minimum": 1, "maximum": 98},
        "size_cents": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

// Registry 按注册顺序持有全部策略，并负责参数文件的热更新。
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
	byID       map[string]Strategy
	pending    *ParamsFile

	schema *jsonschema.Schema
	v      *viper.Viper
}

func NewRegistry() *Registry {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", strings.NewReader(paramsSchema)); err != nil {
		panic(fmt.Sprintf("params schema 无法加载: %v", err))
	}
	schema, err := compiler.Compile("params.json")
	if err != nil {
		panic(fmt.Sprintf("params schema 编译失败: %v", err))
	}
	return &Registry{byID: make(map[string]Strategy), schema: schema}
}

// Register 注册一个策略；ID 重复返回错误。注册顺序决定后续
// 评估与资金分配平局时的顺序。
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID()
	if id == "" {
		return fmt.Errorf("策略 ID 不能为空")
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("策略 %s 已注册", id)
	}
	r.byID[id] = s
	r.strategies = append(r.strategies, s)
	return nil
}

// All 按注册顺序返回全部策略。
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Strategy(nil), r.strategies...)
}

// Get 按 ID 查找策略。
func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// IDs 按注册顺序返回全部策略 ID。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.ID()
	}
	return out
}

// Watch 监听参数文件；文件非法时保留旧参数并告警。
func (r *Registry) Watch(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取策略参数文件失败: %w", err)
	}
	r.v = v
	if err := r.stage(v); err != nil {
		return err
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := r.stage(v); err != nil {
			logger.Errorf("策略参数热更新失败，保留旧参数: %v", err)
		}
	})
	v.WatchConfig()
	return nil
}

// stage 校验并暂存新参数，等待 ApplyPending。
func (r *Registry) stage(v *viper.Viper) error {
	parsed, err := r.ValidateParams(v.AllSettings())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pending = parsed
	r.mu.Unlock()
	logger.Infof("策略参数已暂存，下一周期生效")
	return nil
}

// ValidateParams 用 schema 校验原始参数并解析为 ParamsFile。
func (r *Registry) ValidateParams(raw map[string]any) (*ParamsFile, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("策略参数校验失败: %w", err)
	}
	var parsed ParamsFile
	if err := json.Unmarshal(buf, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// ApplyPending 把暂存参数应用到对应策略，周期边界调用。
// 返回是否有参数被应用。
func (r *Registry) ApplyPending() bool {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	strategies := append([]Strategy(nil), r.strategies...)
	r.mu.Unlock()
	if pending == nil {
		return false
	}
	for _, s := range strategies {
		switch impl := s.(type) {
		case *MeanReversion:
			if pending.MeanReversion != nil {
				impl.SetParams(*pending.MeanReversion)
			}
		case *Momentum:
			if pending.Momentum != nil {
				impl.SetParams(*pending.Momentum)
			}
		case *MarketMaking:
			if pending.MarketMaking != nil {
				impl.SetParams(*pending.MarketMaking)
			}
		}
	}
	logger.Infof("策略参数已生效")
	return true
}
