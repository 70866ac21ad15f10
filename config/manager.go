package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Manager collects configuration values from the environment and JSON files
// before they are applied onto a Config. Keys use the dashed names from the
// Config struct tags.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex

	watchers map[string][]func(string, any)
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		values:   make(map[string]any),
		watchers: make(map[string][]func(string, any)),
	}
}

// Set stores a value and notifies watchers of the key.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value

	if watchers, ok := m.watchers[key]; ok {
		for _, watcher := range watchers {
			go watcher(key, value)
		}
	}
}

// Get returns the raw value for key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	return value, ok
}

// GetString returns a string value, or the optional default.
func (m *Manager) GetString(key string, defaultValue ...string) string {
	if value, ok := m.Get(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// GetInt returns an integer value, converting from the JSON and env
// representations.
func (m *Manager) GetInt(key string, defaultValue ...int) int {
	if value, ok := m.Get(key); ok {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetBool returns a boolean value. The strings "true", "yes" and "1" count
// as true.
func (m *Manager) GetBool(key string, defaultValue ...bool) bool {
	if value, ok := m.Get(key); ok {
		switch v := value.(type) {
		case bool:
			return v
		case string:
			return v == "true" || v == "yes" || v == "1"
		case int:
			return v != 0
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return false
}

// GetDuration returns a duration value. Strings use time.ParseDuration
// syntax; bare numbers are taken as seconds.
func (m *Manager) GetDuration(key string, defaultValue ...time.Duration) time.Duration {
	if value, ok := m.Get(key); ok {
		switch v := value.(type) {
		case time.Duration:
			return v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(f * float64(time.Second))
			}
		case float64:
			return time.Duration(v * float64(time.Second))
		case int64:
			return time.Duration(v) * time.Second
		case int:
			return time.Duration(v) * time.Second
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetStringSlice returns a string slice value; scalar strings are split on
// commas.
func (m *Manager) GetStringSlice(key string, defaultValue ...[]string) []string {
	if value, ok := m.Get(key); ok {
		switch v := value.(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case string:
			return strings.Split(v, ",")
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}

// Watch registers a callback invoked whenever key is set.
func (m *Manager) Watch(key string, callback func(string, any)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers[key] = append(m.watchers[key], callback)
}

// LoadFromEnv imports environment variables with the given prefix.
// ASYNC_SERVER_TIMEOUT_KEEP_ALIVE becomes the key "timeout-keep-alive".
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			key = strings.TrimPrefix(key, prefix)
			key = strings.TrimPrefix(key, "_")
		}
		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "_", "-")
		m.Set(key, value)
	}
}

// LoadFromJSON imports a flat JSON object of configuration values.
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config: %w", err)
	}

	for key, value := range values {
		m.Set(key, value)
	}
	return nil
}

// Apply writes every stored value onto the matching Config field, chosen by
// the `config` struct tag. Unknown keys are ignored so one environment can
// configure several tools.
func (m *Manager) Apply(cfg *Config) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("config")
		if key == "" {
			continue
		}
		value, ok := m.values[key]
		if !ok {
			continue
		}
		if err := m.setField(v.Field(i), key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func (m *Manager) setField(field reflect.Value, key string, value any) error {
	// Durations come before the generic int case: they are int64 underneath.
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		field.SetInt(int64(m.GetDuration(key)))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(m.GetString(key, fmt.Sprintf("%v", value)))
	case reflect.Int, reflect.Int64:
		field.SetInt(int64(m.GetInt(key)))
	case reflect.Uint64:
		field.SetUint(uint64(m.GetInt(key)))
	case reflect.Bool:
		field.SetBool(m.GetBool(key))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(m.GetStringSlice(key)))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
