package adamboot

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandlerRegistrar is implemented by runtimes that accept calls from Python.
type HandlerRegistrar interface {
	RegisterHandler(command string, handler CommandHandler)
}

// levelForADAM maps the adamapi LV_* levels to zerolog levels.
func levelForADAM(level int) zerolog.Level {
	switch {
	case level <= 3:
		return zerolog.ErrorLevel
	case level == 4:
		return zerolog.WarnLevel
	case level <= 6:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

func stringField(data interface{}, key string) (string, error) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return "", errors.Errorf("expected a map with %q, got %T", key, data)
	}
	s, ok := m[key].(string)
	if !ok {
		return "", errors.Errorf("%q is %T, not a string", key, m[key])
	}
	return s, nil
}

// RegisterHostServices exposes the host calls adamapi makes: stop_me,
// app_data_dir, debug_print and, when host stores preferences,
// get_app_pref, lock_app_pref and unlock_app_pref.
func RegisterHostServices(r HandlerRegistrar, host Host) {
	appLog := log.With().Str("component", "app").Logger()

	r.RegisterHandler("stop_me", func(data interface{}, requestID string) (interface{}, error) {
		return nil, host.StopMe()
	})
	r.RegisterHandler("app_data_dir", func(data interface{}, requestID string) (interface{}, error) {
		return host.AppDataDir(), nil
	})
	r.RegisterHandler("debug_print", func(data interface{}, requestID string) (interface{}, error) {
		msg, err := stringField(data, "message")
		if err != nil {
			return nil, err
		}
		level := 6
		if m, ok := data.(map[string]interface{}); ok {
			if n, ok := toInt(m["level"]); ok {
				level = n
			}
		}
		appLog.WithLevel(levelForADAM(level)).Int("adam_level", level).Msg(msg)
		return nil, nil
	})

	store, ok := host.(AppPrefStore)
	if !ok {
		return
	}
	r.RegisterHandler("get_app_pref", func(data interface{}, requestID string) (interface{}, error) {
		name, err := stringField(data, "name")
		if err != nil {
			return nil, err
		}
		v, ok := store.AppPref(name)
		if !ok {
			return nil, errors.Errorf("unknown application preference %q", name)
		}
		return v, nil
	})
	r.RegisterHandler("lock_app_pref", func(data interface{}, requestID string) (interface{}, error) {
		store.LockAppPref()
		return nil, nil
	})
	r.RegisterHandler("unlock_app_pref", func(data interface{}, requestID string) (interface{}, error) {
		store.UnlockAppPref()
		return nil, nil
	})
}
