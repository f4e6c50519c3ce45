package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL = "http://localhost:8080"
	defaultProfile = "default"
)

// profile is one named server target.
type profile struct {
	BaseURL    string `yaml:"baseUrl"`
	AdminToken string `yaml:"adminToken,omitempty"`
	OutputDir  string `yaml:"outputDir,omitempty"`
}

// profileFile is the YAML document under ~/.markerq.
type profileFile struct {
	Current  string             `yaml:"currentProfile"`
	Profiles map[string]profile `yaml:"profiles"`

	path string
}

func profilePath() string {
	if dir := strings.TrimSpace(os.Getenv("MARKERCTL_CONFIG_DIR")); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "markerctl.yaml"
	}
	return filepath.Join(home, ".markerq", "config.yaml")
}

// openProfiles reads the profile file. A missing file is an empty one.
func openProfiles(path string) (*profileFile, error) {
	f := &profileFile{path: path, Profiles: map[string]profile{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]profile{}
	}
	return f, nil
}

// active picks the profile by flag, then MARKERCTL_PROFILE, then the file's
// current profile.
func (f *profileFile) active(flag string) (string, profile) {
	name := firstNonEmpty(flag, os.Getenv("MARKERCTL_PROFILE"), f.Current, defaultProfile)
	return name, f.Profiles[name]
}

// put stores p under name. The first profile written becomes current.
func (f *profileFile) put(name string, p profile, makeCurrent bool) {
	f.Profiles[name] = p
	if f.Current == "" || makeCurrent {
		f.Current = name
	}
}

func (f *profileFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, raw, 0o600)
}

// asker reads answers to interactive questions.
type asker struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newAsker() *asker {
	return &asker{in: bufio.NewReader(os.Stdin), out: os.Stdout, fd: int(os.Stdin.Fd())}
}

// ask returns def when the answer is blank.
func (a *asker) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(a.out, "%s: ", label)
	} else {
		fmt.Fprintf(a.out, "%s [%s]: ", label, def)
	}
	answer, _ := a.in.ReadString('\n')
	if answer = strings.TrimSpace(answer); answer != "" {
		return answer
	}
	return def
}

// secret disables echo when stdin is a terminal.
func (a *asker) secret(label string) (string, error) {
	if !term.IsTerminal(a.fd) {
		return a.ask(label, ""), nil
	}
	fmt.Fprintf(a.out, "%s: ", label)
	raw, err := term.ReadPassword(a.fd)
	fmt.Fprintln(a.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func maskToken(v string) string {
	if len(v) <= 6 {
		return strings.Repeat("*", len(v))
	}
	return v[:3] + strings.Repeat("*", len(v)-6) + v[len(v)-3:]
}

func getenv(k, def string) string {
	return firstNonEmpty(os.Getenv(k), def)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
