package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

const (
	MegaName      = "MegaService"
	PlayStoreName = "PlayStoreService"
	YouTubeName   = "YouTubeService"
)

var packageIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+\.[A-Za-z0-9]+\.[A-Za-z0-9]+$`)

// ArgsFunc renders the tool arguments for one attempt.
type ArgsFunc func(req Request) []string

// SizeFunc reports the size of the file behind rawURL, if it can be known.
type SizeFunc func(ctx context.Context, rawURL string, creds *Credentials) (int64, bool)

// Command is a variant that delegates the transfer to an external program.
// The program is killed when the attempt is cancelled.
type Command struct {
	name  string
	tool  string
	match func(rawURL string) bool
	args  ArgsFunc
	size  SizeFunc
}

// NewCommand creates a subprocess-backed variant.
func NewCommand(name, tool string, match func(string) bool, args ArgsFunc) *Command {
	return &Command{name: name, tool: tool, match: match, args: args}
}

func (c *Command) Name() string { return c.name }

func (c *Command) Supported(rawURL string) bool { return c.match(strings.TrimSpace(rawURL)) }

// WithSize sets how the variant learns file sizes. Without it the size of a
// tool driven transfer is unknown.
func (c *Command) WithSize(fn SizeFunc) *Command {
	c.size = fn
	return c
}

func (c *Command) FileSize(ctx context.Context, rawURL string, creds *Credentials) (int64, bool) {
	if c.size == nil {
		return 0, false
	}
	return c.size(ctx, strings.TrimSpace(rawURL), creds)
}

func (c *Command) New(req Request) (Service, error) {
	if c.tool == "" {
		return nil, fmt.Errorf("%s: no tool configured", c.name)
	}
	if !c.Supported(req.URL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, req.URL)
	}
	return &commandRun{tool: c.tool, args: c.args(req)}, nil
}

type commandRun struct {
	lifecycle
	tool string
	args []string
}

func (r *commandRun) Execute(parent context.Context) (bool, error) {
	ctx, end := r.begin(parent)
	defer end()

	cmd := exec.CommandContext(ctx, r.tool, r.args...) //nolint:gosec // tool and args come from configuration
	err := cmd.Run()
	if err != nil && r.stopped(ctx) {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, &ExitError{Tool: r.tool, Code: exitErr.ExitCode()}
	}
	if err != nil {
		return false, fmt.Errorf("run %s: %w", r.tool, err)
	}
	return true, nil
}

// Mega downloads public mega.nz links with megatools' megadl.
func Mega(tool string) *Command {
	return NewCommand(MegaName, tool, func(u string) bool {
		return strings.HasPrefix(u, "https://mega.nz") || strings.HasPrefix(u, "https://mega.co.nz")
	}, func(req Request) []string {
		args := []string{"--path", req.Dir}
		if req.Credentials != nil && req.Credentials.User != "" && req.Credentials.Password != "" {
			args = append(args, "--username", req.Credentials.User, "--password", req.Credentials.Password)
		}
		return append(args, req.URL)
	})
}

// PlayStore fetches APKs by store URL or package id with apkeep.
func PlayStore(tool string) *Command {
	return NewCommand(PlayStoreName, tool, func(u string) bool {
		return strings.HasPrefix(u, "https://play.google.com") || packageIDPattern.MatchString(u)
	}, func(req Request) []string {
		args := []string{"-a", playStorePackage(req.URL), "-d", "google-play"}
		if req.Credentials != nil && req.Credentials.User != "" && req.Credentials.Password != "" {
			args = append(args, "-e", req.Credentials.User, "-t", req.Credentials.Password)
		}
		return append(args, req.Dir)
	})
}

// YouTube downloads videos with yt-dlp.
func YouTube(tool string) *Command {
	return NewCommand(YouTubeName, tool, func(u string) bool {
		return strings.HasPrefix(u, "https://youtube.com/") ||
			strings.HasPrefix(u, "https://www.youtube.com/") ||
			strings.HasPrefix(u, "https://youtu.be/")
	}, func(req Request) []string {
		args := []string{"--no-progress", "-P", req.Dir}
		if req.Credentials != nil && req.Credentials.User != "" && req.Credentials.Password != "" {
			args = append(args, "--username", req.Credentials.User, "--password", req.Credentials.Password)
		}
		return append(args, req.URL)
	})
}

// playStorePackage extracts the id query parameter from a store URL.
func playStorePackage(rawURL string) string {
	if packageIDPattern.MatchString(rawURL) {
		return rawURL
	}
	if _, query, ok := strings.Cut(rawURL, "?"); ok {
		for _, kv := range strings.Split(query, "&") {
			if id, found := strings.CutPrefix(kv, "id="); found {
				return id
			}
		}
	}
	return rawURL
}
