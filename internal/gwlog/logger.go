// Package gwlog provides the gateway's logging facade.
//
// The interface shape follows the teacher's Logger/RegisterLogger pattern
// (hemi/hemi_logger.go): a small interface plus a name-indexed factory
// table, so a deployment can plug in a different sink without touching
// call sites. The default sink is backed by zap.
package gwlog

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is implemented by every logging sink registered with RegisterLogger.
type Logger interface {
	Debugf(f string, v ...any)
	Infof(f string, v ...any)
	Warnf(f string, v ...any)
	Errorf(f string, v ...any)
	Close()
}

// Config controls how a Logger sink is constructed.
type Config struct {
	Target string // "stderr", "/path/to/file.log", ...
	Level  string // "debug", "info", "warn", "error"
}

var (
	creatorsLock sync.RWMutex
	creators     = make(map[string]func(*Config) Logger)
)

// RegisterLogger installs a Logger factory under sign, so config-driven
// deployments can select it by name.
func RegisterLogger(sign string, create func(*Config) Logger) {
	creatorsLock.Lock()
	defer creatorsLock.Unlock()
	if _, ok := creators[sign]; ok {
		panic("gwlog: logger sign already registered: " + sign)
	}
	creators[sign] = create
}

// New creates a Logger by sign, falling back to "zap" if sign is empty.
func New(sign string, config *Config) Logger {
	if sign == "" {
		sign = "zap"
	}
	creatorsLock.RLock()
	create := creators[sign]
	creatorsLock.RUnlock()
	if create == nil {
		return noop{}
	}
	return create(config)
}

func init() {
	RegisterLogger("noop", func(*Config) Logger { return noop{} })
	RegisterLogger("zap", newZapLogger)
	std = New("zap", &Config{Target: "stderr", Level: "info"})
}

type noop struct{}

func (noop) Debugf(string, ...any) {}
func (noop) Infof(string, ...any)  {}
func (noop) Warnf(string, ...any)  {}
func (noop) Errorf(string, ...any) {}
func (noop) Close()                {}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func newZapLogger(config *Config) Logger {
	var zc zap.Config
	if config != nil && config.Target != "" && config.Target != "stderr" {
		zc = zap.NewProductionConfig()
		zc.OutputPaths = []string{config.Target}
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if config != nil {
		switch config.Level {
		case "debug":
			zc.Level.SetLevel(zap.DebugLevel)
		case "warn":
			zc.Level.SetLevel(zap.WarnLevel)
		case "error":
			zc.Level.SetLevel(zap.ErrorLevel)
		default:
			zc.Level.SetLevel(zap.InfoLevel)
		}
	}
	base, err := zc.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash the gateway over
		// a logging misconfiguration.
		base = zap.NewNop()
	}
	return &zapLogger{sugar: base.Sugar()}
}

func (l *zapLogger) Debugf(f string, v ...any) { l.sugar.Debugf(f, v...) }
func (l *zapLogger) Infof(f string, v ...any)  { l.sugar.Infof(f, v...) }
func (l *zapLogger) Warnf(f string, v ...any)  { l.sugar.Warnf(f, v...) }
func (l *zapLogger) Errorf(f string, v ...any) { l.sugar.Errorf(f, v...) }
func (l *zapLogger) Close()                    { _ = l.sugar.Sync() }

// process-wide default, mirroring the teacher's package-level Printf/Fatalln helpers.
// Set in init once the "zap" factory is registered.
var std Logger

// SetDefault replaces the process-wide default logger.
func SetDefault(l Logger) { std = l }

func Debugf(f string, v ...any) { std.Debugf(f, v...) }
func Infof(f string, v ...any)  { std.Infof(f, v...) }
func Warnf(f string, v ...any)  { std.Warnf(f, v...) }
func Errorf(f string, v ...any) { std.Errorf(f, v...) }

// BugExitln reports an invariant violation and terminates the process,
// mirroring hemi.BugExitln: these fire only when the core's own state
// machine has been violated, never on ordinary operational errors.
func BugExitln(v ...any) {
	std.Errorf("[BUG] %v", v)
	panic(v)
}
