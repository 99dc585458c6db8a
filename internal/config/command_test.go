package config

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestRenderCommand(t *testing.T) {
	d := CommandData{Host: "0.0.0.0", Port: 8000, App: "app:app", Workers: 2, Timeout: 45 * time.Second, TimeoutSeconds: 45}
	got, err := RenderCommand("gunicorn -w {{.Workers}} -t {{.TimeoutSeconds}} -b {{.Host}}:{{.Port}} {{.App}}", d)
	if err != nil {
		t.Fatal(err)
	}
	if want := "gunicorn -w 2 -t 45 -b 0.0.0.0:8000 app:app"; got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
	if _, err := RenderCommand("{{if eq .Port 1}}server{{end}}", d); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
	if _, err := RenderCommand("  \n\t", d); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("whitespace-only command should be empty, got %v", err)
	}
}

func TestEffectivePattern(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		want    string
		matches []string
		misses  []string
	}{
		{
			name: "derived from defaults",
			matches: []string{
				"/srv/venv/bin/python /srv/venv/bin/gunicorn --workers 4 --timeout 30 --bind 127.0.0.1:8000 app:app",
				"/srv/venv/bin/python /srv/venv/bin/flask --app app:app run --host 127.0.0.1 --port 8000 --reload --no-debugger",
			},
			misses: []string{
				"/srv/other/bin/python /srv/other/bin/gunicorn --workers 4 --timeout 30 --bind 127.0.0.1:9000 app:app",
				"gunicorn app:app",
				"mygunicorn --workers 4 --timeout 30 --bind 127.0.0.1:8000 app:app",
				"sleep 60",
			},
		},
		{
			name:   "configured wins",
			mutate: func(c *Config) { c.Service.CommandPattern = "uvicorn main:app" },
			want:   "uvicorn main:app",
		},
		{
			name: "identical commands once",
			mutate: func(c *Config) {
				c.Dev.Command = "/srv/venv/bin/uvicorn {{.App}} --port {{.Port}}"
				c.Prod.Command = "uvicorn {{.App}} --port {{.Port}}"
				c.Service.App = "main:app"
			},
			want: `(^|[/ ])(uvicorn main:app --port 8000)( |$)`,
		},
		{
			name: "shell commands name no program",
			mutate: func(c *Config) {
				c.Dev.Command = "sh -c 'exec flask run'"
				c.Prod.Command = "gunicorn {{.App}} 2>&1 | tee out.log"
			},
			want: "",
		},
		{
			name: "trailing arguments allowed",
			mutate: func(c *Config) {
				c.Dev.Command = "manage.py runserver {{.Port}}"
				c.Prod.Command = "manage.py runserver {{.Port}}"
			},
			matches: []string{"python manage.py runserver 8000", "python manage.py runserver 8000 --noreload"},
			misses:  []string{"python manage.py runserver 80001", "python manage_py runserver 8000"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORTVISOR_SERVICE_PORT", "8000")
			c, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			if tt.mutate != nil {
				tt.mutate(c)
			}
			got := c.EffectivePattern()
			if tt.want != "" || tt.matches == nil {
				if got != tt.want {
					t.Fatalf("pattern = %q, want %q", got, tt.want)
				}
			}
			if got == "" {
				return
			}
			re := regexp.MustCompile(got)
			for _, m := range tt.matches {
				if !re.MatchString(m) {
					t.Errorf("%q should match %q", got, m)
				}
			}
			for _, m := range tt.misses {
				if re.MatchString(m) {
					t.Errorf("%q should not match %q", got, m)
				}
			}
		})
	}
}
