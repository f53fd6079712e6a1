// Package secrets loads the data server's connection secrets from a JSON
// template so they can live outside the YAML config and the environment.
//
// The template is rendered with text/template before it is decoded. The
// functions env, envDefault, file and json are always available; secret
// stores plug in as extra functions through WithProvider:
//
//	{
//	  "database_url": {{ op "op://infra/dataserver-db/url" | json }},
//	  "archive": {"token": {{ env "ARCHIVE_TOKEN" | json }}}
//	}
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Secrets are the values a template can set. Empty fields leave the
// matching command-line setting in place.
type Secrets struct {
	DatabaseURL string   `json:"database_url,omitempty"`
	Archive     *Archive `json:"archive,omitempty"`
}

// Archive holds the archival sink endpoint and its bearer token.
type Archive struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// ArchiveURL returns the configured sink URL or "".
func (s *Secrets) ArchiveURL() string {
	if s == nil || s.Archive == nil {
		return ""
	}
	return s.Archive.URL
}

// ArchiveToken returns the configured sink token or "".
func (s *Secrets) ArchiveToken() string {
	if s == nil || s.Archive == nil {
		return ""
	}
	return s.Archive.Token
}

// Provider looks up ref in a secret store.
type Provider func(ctx context.Context, ref string) (string, error)

// Loader renders and decodes secrets templates.
type Loader struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. Secret values are never logged.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p Provider) Option {
	return func(l *Loader) {
		l.providers[name] = p
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		providers: map[string]Provider{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile loads secrets from the template at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets template: %w", err)
	}
	defer func() { _ = f.Close() }()

	s, err := l.Load(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Load renders the template read from r and decodes the result.
func (l *Loader) Load(ctx context.Context, r io.Reader) (*Secrets, error) {
	src, err := io.ReadAll(io.LimitReader(r, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(src) > maxTemplateSize {
		return nil, fmt.Errorf("secrets template larger than %d bytes", maxTemplateSize)
	}

	rendered, err := l.render(ctx, string(src))
	if err != nil {
		return nil, err
	}

	var s Secrets
	dec := json.NewDecoder(bytes.NewReader(rendered))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding rendered secrets: %w", err)
	}

	l.logger.Debug("loaded secrets",
		"database_url", s.DatabaseURL != "",
		"archive_url", s.ArchiveURL() != "",
		"archive_token", s.ArchiveToken() != "",
	)
	return &s, nil
}

func (l *Loader) render(ctx context.Context, src string) ([]byte, error) {
	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(l.funcs(ctx)).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("rendering secrets template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered secrets larger than %d bytes", maxTemplateSize)
	}
	return buf.Bytes(), nil
}

func (l *Loader) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":        requireEnv,
		"envDefault": envOr,
		"file":       readTrimmed,
		"json":       quoteJSON,
	}

	// A reference is looked up at most once per render.
	seen := map[string]string{}
	for name, p := range l.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}

func requireEnv(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %q is not set", key)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// readTrimmed returns a secret file without surrounding whitespace.
func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// quoteJSON renders v as a JSON string literal.
func quoteJSON(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("quoting value: %w", err)
	}
	return string(b), nil
}
