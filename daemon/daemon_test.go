// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/go-test/deep"
	"github.com/google/go-github/v65/github"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/githubutil"
)

type fakeRepo struct {
	permissions map[string]bool
	branches    map[string]bool
	// files maps "branch:path" to content.
	files map[string]string
}

type commit struct {
	Repo    string
	Branch  string
	Path    string
	SHA     string
	Message string
	Content string
}

// fakeGateway is an in-memory set of repositories.
type fakeGateway struct {
	identityErr error
	updateErr   error
	repos       map[string]*fakeRepo
	commits     []commit
	// onFetchFile, if set, is called at the start of each FetchFile.
	onFetchFile func()
}

func (g *fakeGateway) Identity(context.Context) (string, error) {
	if g.identityErr != nil {
		return "", g.identityErr
	}
	return "user test", nil
}

func (g *fakeGateway) repo(owner, name string) (*fakeRepo, error) {
	r, ok := g.repos[owner+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %v/%v", githubutil.ErrRepositoryNotExists, owner, name)
	}
	return r, nil
}

func (g *fakeGateway) FetchRepository(_ context.Context, owner, name string) (*github.Repository, error) {
	r, err := g.repo(owner, name)
	if err != nil {
		return nil, err
	}
	return &github.Repository{FullName: github.String(owner + "/" + name), Permissions: r.permissions}, nil
}

func (g *fakeGateway) FetchBranch(_ context.Context, owner, name, branch string) (string, error) {
	r, err := g.repo(owner, name)
	if err != nil {
		return "", err
	}
	if !r.branches[branch] {
		return "", fmt.Errorf("%w: %v", githubutil.ErrBranchNotExists, branch)
	}
	return "head-" + branch, nil
}

func (g *fakeGateway) FetchFile(_ context.Context, owner, name, branch, path string) (*githubutil.File, error) {
	if g.onFetchFile != nil {
		g.onFetchFile()
	}
	r, err := g.repo(owner, name)
	if err != nil {
		return nil, err
	}
	content, ok := r.files[branch+":"+path]
	if !ok {
		return nil, fmt.Errorf("%w: %v", githubutil.ErrFileNotExists, path)
	}
	return &githubutil.File{Path: path, SHA: "sha-" + path, Content: []byte(content)}, nil
}

func (g *fakeGateway) UpdateFile(_ context.Context, owner, name, branch string, file *githubutil.File, message string, content []byte) (string, error) {
	if g.updateErr != nil {
		return "", g.updateErr
	}
	g.commits = append(g.commits, commit{
		Repo:    owner + "/" + name,
		Branch:  branch,
		Path:    file.Path,
		SHA:     file.SHA,
		Message: message,
		Content: string(content),
	})
	return fmt.Sprintf("commit-%v", len(g.commits)), nil
}

// fakeSource returns versions and probe results keyed by URL.
type fakeSource struct {
	versions map[string]string
	errs     map[string]error
	probes   map[string]error
}

func (s *fakeSource) Resolve(_ context.Context, arg *config.Argument) (string, error) {
	if err, ok := s.errs[arg.URL]; ok {
		return "", err
	}
	return s.versions[arg.URL], nil
}

func (s *fakeSource) Probe(_ context.Context, url string) error {
	return s.probes[url]
}

func writable() map[string]bool {
	return map[string]bool{"pull": true, "push": true}
}

func testRepo(slug, owner, name, branch string, args ...*config.Argument) *config.Repository {
	return &config.Repository{Slug: slug, Owner: owner, Name: name, Branch: branch, Dockerfile: "Dockerfile", Args: args}
}

func newTestDaemon(t *testing.T, cfg *config.Config, g Gateway, s Source, opts Options) (*Daemon, *memory.Handler) {
	t.Helper()
	if cfg.SleepTime == 0 {
		cfg.SleepTime = time.Millisecond
	}
	h := memory.New()
	d, err := New(cfg, g, s, &log.Logger{Handler: h, Level: log.DebugLevel}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return d, h
}

func entries(h *memory.Handler, level log.Level) []*log.Entry {
	var found []*log.Entry
	for _, e := range h.Entries {
		if e.Level == level {
			found = append(found, e)
		}
	}
	return found
}

func TestRunCycleCommits(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/r": {permissions: writable(), files: map[string]string{"main:Dockerfile": "FROM x\nARG IMG_VER=1.0\n"}},
	}}
	s := &fakeSource{versions: map[string]string{"u": "1.1"}}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r@main", "o", "r", "main", &config.Argument{Name: "IMG_VER", URL: "u"}),
	}}
	d, h := newTestDaemon(t, cfg, g, s, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []commit{{
		Repo:    "o/r",
		Branch:  "main",
		Path:    "Dockerfile",
		SHA:     "sha-Dockerfile",
		Message: "Updated IMG_VER to 1.1",
		Content: "FROM x\nARG IMG_VER=1.1\n",
	}}
	if diff := deep.Equal(g.commits, want); diff != nil {
		t.Error(diff)
	}
	infos := entries(h, log.InfoLevel)
	if len(infos) != 1 || infos[0].Message != "o/r@main: Updated IMG_VER to 1.1" {
		t.Errorf("info entries = %v", infos)
	}
}

func TestRunCycleContinuesAfterFailure(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/broken": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG A=1\n"}},
		"o/fine":   {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG B=1\n"}},
	}}
	s := &fakeSource{
		versions: map[string]string{"b": "2"},
		errs:     map[string]error{"a": errors.New("connection refused")},
	}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/broken", "o", "broken", "master", &config.Argument{Name: "A", URL: "a"}),
		testRepo("o/missing", "o", "missing", "master", &config.Argument{Name: "A", URL: "a"}),
		testRepo("o/fine", "o", "fine", "master", &config.Argument{Name: "B", URL: "b"}),
	}}
	d, h := newTestDaemon(t, cfg, g, s, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(g.commits) != 1 || g.commits[0].Repo != "o/fine" {
		t.Errorf("commits = %+v, want one for o/fine", g.commits)
	}

	errs := entries(h, log.ErrorLevel)
	if len(errs) != 2 {
		t.Fatalf("error entries = %v, want 2", errs)
	}
	if errs[0].Fields["repo"] != "o/broken" || errs[0].Fields["arg"] != "A" {
		t.Errorf("first error fields = %v", errs[0].Fields)
	}
	if errs[1].Fields["repo"] != "o/missing" {
		t.Errorf("second error fields = %v", errs[1].Fields)
	}
	if _, ok := errs[1].Fields["arg"]; ok {
		t.Errorf("second error has an arg field: %v", errs[1].Fields)
	}
}

func TestRunCycleMissingArgument(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG OTHER=1\n"}},
	}}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "GONE", URL: "u"}),
	}}
	d, h := newTestDaemon(t, cfg, g, &fakeSource{}, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	errs := entries(h, log.ErrorLevel)
	if len(errs) != 1 || errs[0].Fields["arg"] != "GONE" {
		t.Fatalf("error entries = %v", errs)
	}
	if len(g.commits) != 0 {
		t.Errorf("commits = %+v, want none", g.commits)
	}
}

func TestRunCycleNoChange(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG V=1.0"}},
	}}
	s := &fakeSource{versions: map[string]string{"u": "1.0"}}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "V", URL: "u"}),
	}}
	d, h := newTestDaemon(t, cfg, g, s, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(g.commits) != 0 {
		t.Errorf("commits = %+v, want none", g.commits)
	}
	if errs := entries(h, log.ErrorLevel); len(errs) != 0 {
		t.Errorf("error entries = %v", errs)
	}
}

func TestRunCycleDryRun(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG V=1.0"}},
	}}
	s := &fakeSource{versions: map[string]string{"u": "2.0"}}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "V", URL: "u"}),
	}}
	d, h := newTestDaemon(t, cfg, g, s, Options{DryRun: true})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(g.commits) != 0 {
		t.Errorf("commits = %+v, want none in a dry run", g.commits)
	}
	infos := entries(h, log.InfoLevel)
	if len(infos) != 1 || infos[0].Message != "dry run, not committing: Updated V to 2.0" {
		t.Errorf("info entries = %v", infos)
	}
}

func TestRunCycleCommitFailure(t *testing.T) {
	g := &fakeGateway{
		updateErr: errors.New("409 Dockerfile does not match"),
		repos: map[string]*fakeRepo{
			"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG V=1.0"}},
		},
	}
	s := &fakeSource{versions: map[string]string{"u": "2.0"}}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "V", URL: "u"}),
	}}
	d, h := newTestDaemon(t, cfg, g, s, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if errs := entries(h, log.ErrorLevel); len(errs) != 1 {
		t.Errorf("error entries = %v, want 1", errs)
	}
}

func TestRunCycleTemplate(t *testing.T) {
	g := &fakeGateway{repos: map[string]*fakeRepo{
		"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG A=1\nARG B=1\n"}},
	}}
	s := &fakeSource{versions: map[string]string{"a": "2", "b": "3"}}
	cfg := &config.Config{
		CommitTemplate: `deps: {{ range $i, $c := .Changes }}{{ if $i }}, {{ end }}{{ $c.Argument }} {{ $c.NewValue }}{{ end }}`,
		Repositories: []*config.Repository{
			testRepo("o/r", "o", "r", "master", &config.Argument{Name: "B", URL: "b"}, &config.Argument{Name: "A", URL: "a"}),
		},
	}
	d, _ := newTestDaemon(t, cfg, g, s, Options{})

	if err := d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(g.commits) != 1 {
		t.Fatalf("commits = %+v, want 1", g.commits)
	}
	if want := "deps: B 3, A 2"; g.commits[0].Message != want {
		t.Errorf("message = %q, want %q", g.commits[0].Message, want)
	}
}

func TestNewBadTemplate(t *testing.T) {
	_, err := New(&config.Config{CommitTemplate: "{{ .Unclosed"}, &fakeGateway{}, &fakeSource{}, log.Log, Options{})
	var configErr *config.ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("New() error = %v, want *config.ConfigError", err)
	}
}

func TestRunOnce(t *testing.T) {
	var fetches int
	g := &fakeGateway{
		repos:       map[string]*fakeRepo{"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG V=1"}}},
		onFetchFile: func() { fetches++ },
	}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "V", URL: "u"}),
	}}
	d, _ := newTestDaemon(t, cfg, g, &fakeSource{versions: map[string]string{"u": "1"}}, Options{Once: true})

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fetches != 1 {
		t.Errorf("fetches = %v, want 1", fetches)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetches int
	g := &fakeGateway{
		repos: map[string]*fakeRepo{"o/r": {permissions: writable(), files: map[string]string{"master:Dockerfile": "ARG V=1"}}},
		onFetchFile: func() {
			fetches++
			if fetches == 3 {
				cancel()
			}
		},
	}
	cfg := &config.Config{Repositories: []*config.Repository{
		testRepo("o/r", "o", "r", "master", &config.Argument{Name: "V", URL: "u"}),
	}}
	d, _ := newTestDaemon(t, cfg, g, &fakeSource{versions: map[string]string{"u": "1"}}, Options{})

	err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if fetches != 3 {
		t.Errorf("fetches = %v, want 3", fetches)
	}
	if code := ExitCode(err); code != 0 {
		t.Errorf("ExitCode() = %v, want 0 for a canceled run", code)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"canceled", context.Canceled, 0},
		{"config", fmt.Errorf("loading: %w", &config.ConfigError{Err: errors.New("bad")}), ExitConfig},
		{"auth", &AuthError{Err: githubutil.ErrBadCredentials}, ExitConfig},
		{"validation", &ValidationError{Problems: []error{errors.New("x")}}, ExitConfig},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %v, want %v", got, tt.want)
			}
		})
	}
}
