// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads the updater's YAML config file. The file has one 'config' block with
// daemon settings, and every other top-level key is a repository slug that maps to the Dockerfile
// ARGs to keep updated:
//
//	config:
//	  access_token: ghp_...
//	  sleep_time: 1800
//	microsoft/go-images@main:
//	  args:
//	    GO_VERSION:
//	      url: https://api.github.com/repos/microsoft/go/releases/latest
//	      structure: tag_name
//	      strip_front: v
//	      human_name: Go
//
// Repositories and args keep the order they have in the file. That order decides the order of
// each poll cycle and of the parts of each commit message.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/microsoft/dockerargupdater/stringutil"
	"go.yaml.in/yaml/v4"
)

const (
	// FileName is appended to the config path when it points at a directory.
	FileName = "config.yaml"

	// DefaultBranch is used when a slug doesn't specify '@branch'.
	DefaultBranch = "master"
	// DefaultDockerfile is the path of the Dockerfile in each repository.
	DefaultDockerfile = "Dockerfile"

	DefaultSleepTime = 1800 * time.Second
	DefaultTimeout   = 30 * time.Second

	settingsKey = "config"
)

// ConfigError is a problem with the config file itself: it is missing, isn't valid YAML, or
// doesn't have the required structure. The daemon can't start with a ConfigError.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "error loading config: " + e.Err.Error()
	}
	return fmt.Sprintf("error loading config %v: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, a ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, a...)}
}

// Config is the parsed config file.
type Config struct {
	AccessToken string
	// GitHubApp, if set, is used to authenticate instead of AccessToken.
	GitHubApp *GitHubApp

	SleepTime time.Duration
	// Timeout bounds each HTTP request made to a version source.
	Timeout time.Duration

	LogLevel  string
	LogFormat string

	// CommitTemplate is an optional text/template for commit messages. Empty means the default
	// "Updated {label} to {value}" format.
	CommitTemplate string

	Repositories []*Repository
}

// GitHubApp identifies a GitHub App installation to authenticate as.
type GitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKey     string `yaml:"private_key"`
}

// Repository is one repository entry: a Dockerfile on a branch and the ARGs in it to update.
type Repository struct {
	// Slug is the top-level key as written in the file, e.g. "owner/name@branch".
	Slug       string
	Owner      string
	Name       string
	Branch     string
	Dockerfile string
	Args       []*Argument
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Argument describes where to find the latest value of one Dockerfile ARG.
type Argument struct {
	// Name of the ARG in the Dockerfile.
	Name string
	// URL of a JSON document containing the version.
	URL string
	// Structure is the dotted path to the version inside the JSON document. Empty means the
	// whole document.
	Structure string
	// StripFront, if set, is removed from the version along with everything before it.
	StripFront *string
	// HumanName is used in place of Name in commit messages, if set.
	HumanName string
	// Semver makes the updater skip changes that aren't semantic version upgrades.
	Semver bool

	// Missing lists required options that weren't present in the file. These are reported by
	// startup validation rather than rejected by Parse.
	Missing []string
}

// Label returns the name to use for this argument in commit messages.
func (a *Argument) Label() string {
	if a.HumanName != "" {
		return a.HumanName
	}
	return a.Name
}

// ResolvePath turns the user's config path into a file path. An empty path means the current
// directory. A directory gets FileName appended.
func ResolvePath(path string) string {
	if path == "" {
		path = "."
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, FileName)
	}
	return path
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, &ConfigError{Path: path, Err: errors.New("config file does not exist")}
	}
	content, err := stringutil.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	c, err := Parse(content)
	if err != nil {
		var configErr *ConfigError
		if errors.As(err, &configErr) && configErr.Path == "" {
			configErr.Path = path
		}
		return nil, err
	}
	return c, nil
}

type settingsYAML struct {
	AccessToken    *string    `yaml:"access_token"`
	SleepTime      *int       `yaml:"sleep_time"`
	Timeout        *int       `yaml:"timeout"`
	LogLevel       string     `yaml:"log_level"`
	LogFormat      string     `yaml:"log_format"`
	CommitTemplate string     `yaml:"commit_template"`
	GitHubApp      *GitHubApp `yaml:"github_app"`
}

type argumentYAML struct {
	URL        *string `yaml:"url"`
	Structure  *string `yaml:"structure"`
	StripFront *string `yaml:"strip_front"`
	HumanName  string  `yaml:"human_name"`
	Semver     bool    `yaml:"semver"`
}

// Parse parses config file content.
func Parse(content []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, configErrorf("malformed YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, configErrorf("config block missing")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, configErrorf("top level of config file must be a mapping, found %v", kindName(root))
	}

	var c Config
	foundSettings := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if key.Value == settingsKey {
			foundSettings = true
			if err := c.parseSettings(value); err != nil {
				return nil, err
			}
			continue
		}
		r, err := parseRepository(key.Value, value)
		if err != nil {
			return nil, err
		}
		c.Repositories = append(c.Repositories, r)
	}
	if !foundSettings {
		return nil, configErrorf("config block missing")
	}
	return &c, nil
}

func (c *Config) parseSettings(n *yaml.Node) error {
	if isEmpty(n) {
		return configErrorf("config block empty")
	}
	var s settingsYAML
	if err := n.Decode(&s); err != nil {
		return configErrorf("malformed config block: %w", err)
	}
	if s.GitHubApp != nil {
		if s.GitHubApp.AppID == 0 || s.GitHubApp.InstallationID == 0 || s.GitHubApp.PrivateKey == "" {
			return configErrorf("github_app requires app_id, installation_id, and private_key")
		}
		c.GitHubApp = s.GitHubApp
	}
	if s.AccessToken != nil {
		c.AccessToken = *s.AccessToken
	}
	if c.AccessToken == "" && c.GitHubApp == nil {
		return configErrorf("access token missing")
	}

	c.SleepTime = DefaultSleepTime
	if s.SleepTime != nil {
		if *s.SleepTime <= 0 {
			return configErrorf("sleep_time must be positive, found %v", *s.SleepTime)
		}
		c.SleepTime = time.Duration(*s.SleepTime) * time.Second
	}
	c.Timeout = DefaultTimeout
	if s.Timeout != nil {
		if *s.Timeout <= 0 {
			return configErrorf("timeout must be positive, found %v", *s.Timeout)
		}
		c.Timeout = time.Duration(*s.Timeout) * time.Second
	}

	c.LogLevel = strings.ToLower(s.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return configErrorf("log_level: %w", err)
	}
	c.LogFormat = strings.ToLower(s.LogFormat)
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return configErrorf("log_format must be 'text' or 'json', found %q", s.LogFormat)
	}
	c.CommitTemplate = s.CommitTemplate
	return nil
}

func parseRepository(slug string, n *yaml.Node) (*Repository, error) {
	owner, name, branch, err := ParseSlug(slug)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	r := &Repository{
		Slug:       slug,
		Owner:      owner,
		Name:       name,
		Branch:     branch,
		Dockerfile: DefaultDockerfile,
	}
	if n.Kind != yaml.MappingNode {
		return nil, configErrorf("malformed config file: missing args for repo %v", slug)
	}

	var args *yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		switch key.Value {
		case "args":
			args = value
		case "dockerfile":
			if value.Kind != yaml.ScalarNode || value.Value == "" {
				return nil, configErrorf("malformed config file: dockerfile for repo %v must be a path", slug)
			}
			r.Dockerfile = value.Value
		}
	}
	if args == nil || args.Kind != yaml.MappingNode {
		return nil, configErrorf("malformed config file: missing args for repo %v", slug)
	}

	for i := 0; i+1 < len(args.Content); i += 2 {
		key, value := args.Content[i], args.Content[i+1]
		if value.Kind != yaml.MappingNode {
			return nil, configErrorf("malformed config file: options for arg %v in repo %v must be a mapping", key.Value, slug)
		}
		var a argumentYAML
		if err := value.Decode(&a); err != nil {
			return nil, configErrorf("malformed config file: arg %v in repo %v: %w", key.Value, slug, err)
		}
		arg := &Argument{
			Name:       key.Value,
			StripFront: a.StripFront,
			HumanName:  a.HumanName,
			Semver:     a.Semver,
		}
		if a.URL != nil {
			arg.URL = *a.URL
		} else {
			arg.Missing = append(arg.Missing, "url")
		}
		if a.Structure != nil {
			arg.Structure = *a.Structure
		} else {
			arg.Missing = append(arg.Missing, "structure")
		}
		r.Args = append(r.Args, arg)
	}
	return r, nil
}

// ParseSlug splits "owner/name" or "owner/name@branch". The branch defaults to DefaultBranch.
// More than one '@' is an error.
func ParseSlug(slug string) (owner, name, branch string, err error) {
	if strings.Count(slug, "@") > 1 {
		return "", "", "", fmt.Errorf("repo %q has more than one '@'", slug)
	}
	repo, branch, _ := strings.Cut(slug, "@")
	if branch == "" {
		branch = DefaultBranch
	}
	owner, name, found := strings.Cut(repo, "/")
	if !found || owner == "" || name == "" {
		return "", "", "", fmt.Errorf("unable to split repo %q into owner and name", slug)
	}
	return owner, name, branch, nil
}

func isEmpty(n *yaml.Node) bool {
	switch n.Kind {
	case yaml.MappingNode:
		return len(n.Content) == 0
	case yaml.ScalarNode:
		return n.Tag == "!!null" || n.Value == ""
	}
	return false
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.ScalarNode:
		return fmt.Sprintf("scalar %q", n.Value)
	case yaml.AliasNode:
		return "an alias"
	}
	return "an unknown node"
}
