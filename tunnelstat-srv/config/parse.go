package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
)

// applyConfigMap maps a decoded config document with hyphenated keys onto cfg.
// JSON and HCL files both end up here.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if val, exists := data["port"]; exists {
		port, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("port must be a number: %w", err)
		}
		cfg.SetPort(*port)
	}
	if err := setField(data, "connect-timeout-seconds", &cfg.ConnectTimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "idle-timeout-seconds", &cfg.IdleTimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "shutdown-grace-seconds", &cfg.ShutdownGraceSeconds); err != nil {
		return err
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setField(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["upstream"]; exists {
		upstream, err := parseUpstream(val)
		if err != nil {
			return err
		}
		cfg.Upstream = upstream
	}

	if val, exists := data["report"]; exists {
		reportMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("report must be an object")
		}
		if err := setField(reportMap, "format", &cfg.Report.Format); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		if err := setField(reportMap, "hours", &cfg.Report.Hours); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}

	if val, exists := data["logging"]; exists {
		logMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("logging must be an object")
		}
		if err := setField(logMap, "level", &cfg.Logging.Level); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		if err := setField(logMap, "file", &cfg.Logging.File); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		if err := setField(logMap, "max-size-mb", &cfg.Logging.MaxSizeMB); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		if err := setField(logMap, "max-backups", &cfg.Logging.MaxBackups); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		if err := setField(logMap, "max-age-days", &cfg.Logging.MaxAgeDays); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}

	return nil
}

// parseUpstream accepts null (direct connections) or an object.
func parseUpstream(val any) (*UpstreamConfig, error) {
	if val == nil {
		return nil, nil
	}
	upMap, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("upstream must be an object")
	}

	upstream := &UpstreamConfig{Type: UpstreamTypeSOCKS5}
	if typeVal, exists := upMap["type"]; exists {
		ptr, err := parseValue[string](typeVal)
		if err != nil {
			return nil, fmt.Errorf("upstream type must be a string: %w", err)
		}
		upstream.Type = UpstreamType(*ptr)
	}
	if err := setField(upMap, "address", &upstream.Address); err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if userVal, exists := upMap["username"]; exists {
		ptr, err := parseValue[string](userVal)
		if err != nil {
			return nil, fmt.Errorf("upstream username must be a string: %w", err)
		}
		upstream.Username = ptr
	}
	if passVal, exists := upMap["password"]; exists {
		ptr, err := parseValue[string](passVal)
		if err != nil {
			return nil, fmt.Errorf("upstream password must be a string: %w", err)
		}
		upstream.Password = ptr
	}
	return upstream, nil
}

func setField[T any](m map[string]any, key string, dst *T) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

// parseValue converts a decoded config value into T. Numbers arrive as
// float64, strings are parsed for numeric and bool targets, and
// {"_secret": "ENV_NAME"} objects are resolved from the environment.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
