package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is blank.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app is registered.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed wraps errors collected while applying launcher options.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component started by the Launcher. Run must return
// once launcher.Context() is done.
type App interface {
	Run(launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(launcher *Launcher) error

func (f AppFunc) Run(launcher *Launcher) error { return f(launcher) }

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext sets the context whose cancellation stops every app.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers an app. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         map[string]App
	order        []string
	configErrors []error
}

// NewLauncher builds a Launcher from opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		ctx:  context.Background(),
		apps: make(map[string]App),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Context is done when the process is shutting down.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Add registers app under appName.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if _, exists := l.apps[appName]; !exists {
		l.order = append(l.order, appName)
	}

	l.apps[appName] = app

	return nil
}

// RunWithError starts every app and blocks until all have returned.
// App errors are logged, not returned; a misconfigured launcher fails fast.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	ctx := l.Context()

	var wg sync.WaitGroup

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		app := l.apps[name]

		wg.Add(1)

		runtime.SafeGo(ctx, l.Logger, "launcher.app."+name, func(ctx context.Context) {
			defer wg.Done()

			l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

			if err := app.Run(l); err != nil {
				l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
			}

			l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
		})
	}

	wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return nil
}
