// Package template scaffolds starter portvisor configuration files for
// common Python web stacks.
package template

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Kind selects the framework a template targets.
type Kind string

const (
	KindFlask   Kind = "flask"
	KindFastAPI Kind = "fastapi"
	KindDjango  Kind = "django"
)

// ErrExists is returned when the target file exists and overwriting was not
// requested.
var ErrExists = errors.New("config file already exists")

// ServiceTemplate is the framework-specific part of a starter config.
type ServiceTemplate struct {
	Name           string
	Kind           Kind
	App            string
	Port           int
	CommandPattern string
	DevCommand     string
	ReloadEnv      []string
	ProdCommand    string
	Workers        int
	Timeout        string
}

// Generator provides template generation functionality.
type Generator struct{}

// NewGenerator creates a new template generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a template of the given kind for a service name. A zero
// port selects the framework's conventional port.
func (g *Generator) Generate(kind Kind, name string, port int) (*ServiceTemplate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("service name is required")
	}
	var t *ServiceTemplate
	switch Kind(strings.ToLower(string(kind))) {
	case KindFlask, "":
		t = flaskTemplate(name)
	case KindFastAPI:
		t = fastAPITemplate(name)
	case KindDjango:
		t = djangoTemplate(name)
	default:
		return nil, fmt.Errorf("unknown template kind: %s (supported: %s)", kind, strings.Join(g.SupportedKinds(), ", "))
	}
	if port > 0 {
		t.Port = port
	}
	return t, nil
}

// SupportedKinds returns a list of all supported template kinds.
func (g *Generator) SupportedKinds() []string {
	return []string{string(KindFlask), string(KindFastAPI), string(KindDjango)}
}

// Settings returns the template as dotted config keys.
func (t *ServiceTemplate) Settings() map[string]any {
	return map[string]any{
		"service.name":            t.Name,
		"service.port":            t.Port,
		"service.host":            "127.0.0.1",
		"service.app":             t.App,
		"service.pid_file":        "run/" + t.Name + ".pid",
		"service.command_pattern": t.CommandPattern,
		"service.mode":            "prod",
		"service.grace_period":    "1s",
		"runtime.dir":             "venv",
		"dev.command":             t.DevCommand,
		"dev.reload_env":          t.ReloadEnv,
		"prod.command":            t.ProdCommand,
		"prod.workers":            t.Workers,
		"prod.timeout":            t.Timeout,
		"prod.log_file":           "logs/" + t.Name + ".out.log",
		"log.level":               "info",
		"log.format":              "text",
	}
}

// Write renders the template to path; the format follows the extension
// (toml, yaml, yml or json). An existing file is kept unless overwrite is set.
func (g *Generator) Write(t *ServiceTemplate, path string, overwrite bool) error {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "toml", "yaml", "yml", "json":
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	v := viper.New()
	for k, val := range t.Settings() {
		v.Set(k, val)
	}
	if overwrite {
		return v.WriteConfigAs(path)
	}
	err := v.SafeWriteConfigAs(path)
	var exists viper.ConfigFileAlreadyExistsError
	if errors.As(err, &exists) {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	return err
}

// pattern matches any of the given programs followed by the app reference.
func pattern(app string, programs ...string) string {
	return "(" + strings.Join(programs, "|") + ").*" + regexp.QuoteMeta(app)
}

func flaskTemplate(name string) *ServiceTemplate {
	app := "app:app"
	return &ServiceTemplate{
		Name:           name,
		Kind:           KindFlask,
		App:            app,
		Port:           5000,
		CommandPattern: pattern(app, "flask", "gunicorn"),
		DevCommand:     "flask --app {{.App}} run --host {{.Host}} --port {{.Port}} --reload --no-debugger",
		ReloadEnv:      []string{"FLASK_DEBUG=0", "FLASK_RUN_RELOAD=1"},
		ProdCommand:    "gunicorn --workers {{.Workers}} --timeout {{.TimeoutSeconds}} --bind {{.Host}}:{{.Port}} {{.App}}",
		Workers:        4,
		Timeout:        "30s",
	}
}

func fastAPITemplate(name string) *ServiceTemplate {
	app := "main:app"
	return &ServiceTemplate{
		Name:           name,
		Kind:           KindFastAPI,
		App:            app,
		Port:           8000,
		CommandPattern: pattern(app, "uvicorn", "gunicorn"),
		DevCommand:     "uvicorn {{.App}} --host {{.Host}} --port {{.Port}} --reload",
		ReloadEnv:      []string{},
		ProdCommand:    "gunicorn -k uvicorn.workers.UvicornWorker --workers {{.Workers}} --timeout {{.TimeoutSeconds}} --bind {{.Host}}:{{.Port}} {{.App}}",
		Workers:        4,
		Timeout:        "60s",
	}
}

func djangoTemplate(name string) *ServiceTemplate {
	app := name + ".wsgi:application"
	return &ServiceTemplate{
		Name:           name,
		Kind:           KindDjango,
		App:            app,
		Port:           8000,
		CommandPattern: "(manage\\.py runserver|gunicorn.*" + regexp.QuoteMeta(app) + ")",
		DevCommand:     "python manage.py runserver {{.Host}}:{{.Port}}",
		ReloadEnv:      []string{"DJANGO_DEBUG=1"},
		ProdCommand:    "gunicorn --workers {{.Workers}} --timeout {{.TimeoutSeconds}} --bind {{.Host}}:{{.Port}} {{.App}}",
		Workers:        3,
		Timeout:        "30s",
	}
}
