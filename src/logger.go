package src

// Logger is the logging facade used across the storage core. The app
// entrypoint plugs in a zap.SugaredLogger; tests plug in zap.NewNop().Sugar().
type Logger interface {
	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
	Sync() error
}
