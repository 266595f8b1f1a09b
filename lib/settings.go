package lib

import "strings"

import humanize "github.com/dustin/go-humanize"

// Settings map of settings parameters. Keys are dot separated, like
// "tcache.lg_max", so that related parameters can be handled as a
// section.
type Settings map[string]interface{}

// Section will create a new settings object with parameters
// starting with `prefix`.
func (setts Settings) Section(prefix string) Settings {
	section := make(Settings)
	for key, value := range setts {
		if strings.HasPrefix(key, prefix) {
			section[key] = value
		}
	}
	return section
}

// Trim settings parameter with `prefix` string.
func (setts Settings) Trim(prefix string) Settings {
	trimmed := make(Settings)
	for key, value := range setts {
		trimmed[strings.TrimPrefix(key, prefix)] = value
	}
	return trimmed
}

// AddPrefix prepend `prefix` to every parameter.
func (setts Settings) AddPrefix(prefix string) Settings {
	prefixed := make(Settings)
	for key, value := range setts {
		prefixed[prefix+key] = value
	}
	return prefixed
}

// Filter settings paramters that contain `subs`.
func (setts Settings) Filter(subs string) Settings {
	subsetts := make(Settings)
	for key, value := range setts {
		if strings.Contains(key, subs) {
			subsetts[key] = value
		}
	}
	return subsetts
}

// Mixin settings to override `setts` with `settings`, setts is updated
// in place and returned.
func (setts Settings) Mixin(settings ...interface{}) Settings {
	for _, arg := range settings {
		var other map[string]interface{}
		switch cnf := arg.(type) {
		case Settings:
			other = cnf
		case map[string]interface{}:
			other = cnf
		}
		for key, value := range other {
			setts[key] = value
		}
	}
	return setts
}

func (setts Settings) get(key string) interface{} {
	value, ok := setts[key]
	if !ok {
		panicerr("missing settings %q", key)
	}
	return value
}

// number return value as float64 when it is a floating point, else as
// int64 with isfloat false.
func number(key string, value interface{}) (i int64, f float64, isfloat bool) {
	switch val := value.(type) {
	case float64:
		return 0, val, true
	case float32:
		return 0, float64(val), true
	case int:
		return int64(val), 0, false
	case int64:
		return val, 0, false
	case int32:
		return int64(val), 0, false
	case int16:
		return int64(val), 0, false
	case int8:
		return int64(val), 0, false
	case uint:
		return int64(val), 0, false
	case uint64:
		return int64(val), 0, false
	case uint32:
		return int64(val), 0, false
	case uint16:
		return int64(val), 0, false
	case uint8:
		return int64(val), 0, false
	}
	panicerr("settings %v not a number: %T", key, value)
	return 0, 0, false
}

// Bool return the boolean value for key.
func (setts Settings) Bool(key string) bool {
	value := setts.get(key)
	val, ok := value.(bool)
	if !ok {
		panicerr("settings %q not a bool: %T", key, value)
	}
	return val
}

// Float64 return the float64 value for key.
func (setts Settings) Float64(key string) float64 {
	i, f, isfloat := number(key, setts.get(key))
	if isfloat {
		return f
	}
	return float64(i)
}

// Int64 return the int64 value for key.
func (setts Settings) Int64(key string) int64 {
	i, f, isfloat := number(key, setts.get(key))
	if isfloat {
		return int64(f)
	}
	return i
}

// Uint64 return the uint64 value for key.
func (setts Settings) Uint64(key string) uint64 {
	return uint64(setts.Int64(key))
}

// String return the string value for key.
func (setts Settings) String(key string) string {
	value := setts.get(key)
	val, ok := value.(string)
	if !ok {
		panicerr("settings %q not a string: %T", key, value)
	}
	return val
}

// Bytes return a size in bytes for key, value can be a number or a
// human readable string like "8MB" or "64 KiB".
func (setts Settings) Bytes(key string) int64 {
	value := setts.get(key)
	if s, ok := value.(string); ok {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			panicerr("settings %q: %v", key, err)
		}
		return int64(n)
	}
	return setts.Int64(key)
}
