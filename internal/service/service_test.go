package service

import (
	"context"
	"crypto/sha1" //nolint:gosec // test digest
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.bin":
			w.Header().Set("Content-Length", "5")
			if r.Method == http.MethodHead {
				return
			}
			_, _ = io.WriteString(w, "hello")
		case "/private.bin":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "u" || pass != "p" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, "secret")
		case "/slow.bin":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		case "/bad":
			http.Error(w, "nope", http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestFetcher(t *testing.T) *HTTP {
	t.Helper()
	logger := zerolog.Nop()
	h, err := NewHTTP(HTTPOptions{Logger: &logger})
	if err != nil {
		t.Fatalf("new http: %v", err)
	}
	return h
}

func TestRegistryResolveOrderAndFallback(t *testing.T) {
	reg := Builtin(newTestFetcher(t), Tools{Mega: "megadl", YouTube: "yt-dlp", PlayStore: "apkeep"})

	cases := []struct {
		url  string
		want string
	}{
		{"https://mega.nz/file/abc", MegaName},
		{"https://mega.co.nz/#!abc", MegaName},
		{"https://play.google.com/store/apps/details?id=com.example.app", PlayStoreName},
		{"com.example.app", PlayStoreName},
		{"https://youtu.be/xyz", YouTubeName},
		{"https://www.youtube.com/watch?v=xyz", YouTubeName},
		{"https://example.org/a.iso", HTTPName},
	}
	for _, c := range cases {
		if got := reg.Resolve(c.url).Name(); got != c.want {
			t.Fatalf("Resolve(%q)=%s want %s", c.url, got, c.want)
		}
	}

	if _, ok := reg.Lookup(HTTPName); !ok {
		t.Fatalf("fallback should be found by name")
	}
	if _, ok := reg.Lookup("NopeService"); ok {
		t.Fatalf("unknown name must not resolve")
	}
	names := reg.Names()
	if names[len(names)-1] != HTTPName {
		t.Fatalf("fallback should be listed last: %v", names)
	}
}

func TestPlayStorePackage(t *testing.T) {
	if got := playStorePackage("https://play.google.com/store/apps/details?id=com.a.b&hl=en"); got != "com.a.b" {
		t.Fatalf("unexpected package %q", got)
	}
	if got := playStorePackage("org.x.y"); got != "org.x.y" {
		t.Fatalf("unexpected package %q", got)
	}
}

func TestHTTPFileSize(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	h := newTestFetcher(t)

	size, ok := h.FileSize(context.Background(), srv.URL+"/ok.bin", nil)
	if !ok || size != 5 {
		t.Fatalf("expected size 5, got %d ok=%v", size, ok)
	}
	if _, ok := h.FileSize(context.Background(), srv.URL+"/missing", nil); ok {
		t.Fatalf("missing resource must report unknown size")
	}
	if _, ok := h.FileSize(context.Background(), "http://127.0.0.1:1/unreachable", nil); ok {
		t.Fatalf("network failure must report unknown size")
	}
}

func TestHTTPExecuteStoresFile(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	h := newTestFetcher(t)
	dir := t.TempDir()

	digest := sha1.Sum([]byte("hello")) //nolint:gosec // test digest
	svc, err := h.New(Request{TaskID: "t1", URL: srv.URL + "/ok.bin", Dir: dir, Checksum: hex.EncodeToString(digest[:])})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := svc.Execute(context.Background())
	if !ok || err != nil {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if svc.Running() {
		t.Fatalf("running flag must be cleared after execute")
	}
	got, err := os.ReadFile(filepath.Join(dir, "ok.bin"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected file content %q err=%v", got, err)
	}
}

func TestHTTPExecuteFailures(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	h := newTestFetcher(t)

	svc, _ := h.New(Request{URL: srv.URL + "/bad", Dir: t.TempDir()})
	if _, err := svc.Execute(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected status error, got %v", err)
	}

	svc, _ = h.New(Request{URL: srv.URL + "/ok.bin", Dir: t.TempDir(), Checksum: strings.Repeat("0", 40)})
	if _, err := svc.Execute(context.Background()); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum error, got %v", err)
	}

	svc, _ = h.New(Request{URL: srv.URL + "/private.bin", Dir: t.TempDir()})
	if _, err := svc.Execute(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected unauthorized status, got %v", err)
	}
	svc, _ = h.New(Request{URL: srv.URL + "/private.bin", Dir: t.TempDir(), Credentials: &Credentials{User: "u", Password: "p"}})
	if ok, err := svc.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("expected authenticated success, got ok=%v err=%v", ok, err)
	}

	if _, err := h.New(Request{URL: "ftp://example.org/x"}); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected unsupported url, got %v", err)
	}
}

func TestHTTPCancelStopsCooperatively(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	h := newTestFetcher(t)

	svc, _ := h.New(Request{URL: srv.URL + "/slow.bin", Dir: t.TempDir()})
	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := svc.Execute(context.Background())
		done <- outcome{ok, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	svc.Cancel()
	svc.Cancel()

	select {
	case out := <-done:
		if out.ok || out.err != nil {
			t.Fatalf("expected cooperative stop, got %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancel did not stop the transfer")
	}
}

func TestCancelBeforeExecute(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	h := newTestFetcher(t)

	svc, _ := h.New(Request{URL: srv.URL + "/ok.bin", Dir: t.TempDir()})
	svc.Cancel()
	if ok, err := svc.Execute(context.Background()); ok || err != nil {
		t.Fatalf("pre-cancelled attempt should stop, got ok=%v err=%v", ok, err)
	}
}

func TestThrottleRejectsZero(t *testing.T) {
	logger := zerolog.Nop()
	if _, err := NewHTTP(HTTPOptions{RPS: 1, Logger: &logger}); !errors.Is(err, ErrMustNotBeZero) {
		t.Fatalf("expected ErrMustNotBeZero, got %v", err)
	}
	if _, err := NewHTTP(HTTPOptions{RPS: 5, Burst: 1, Logger: &logger}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCommandExitCodeAndCancel(t *testing.T) {
	always := func(string) bool { return true }

	fail := NewCommand("Fail", "/bin/sh", always, func(Request) []string { return []string{"-c", "exit 4"} })
	svc, err := fail.New(Request{URL: "x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = svc.Execute(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 4 {
		t.Fatalf("expected exit code 4, got %v", err)
	}

	ok := NewCommand("Ok", "/bin/sh", always, func(Request) []string { return []string{"-c", "exit 0"} })
	svc, _ = ok.New(Request{URL: "x"})
	if done, err := svc.Execute(context.Background()); !done || err != nil {
		t.Fatalf("expected success, got %v %v", done, err)
	}

	slow := NewCommand("Slow", "/bin/sh", always, func(Request) []string { return []string{"-c", "sleep 10"} })
	svc, _ = slow.New(Request{URL: "x"})
	time.AfterFunc(50*time.Millisecond, svc.Cancel)
	start := time.Now()
	if done, err := svc.Execute(context.Background()); done || err != nil {
		t.Fatalf("expected cooperative stop, got %v %v", done, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel did not kill the tool")
	}
}

func TestMegaFileSize(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmds []struct {
			A string `json:"a"`
			P string `json:"p"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil || len(cmds) != 1 || cmds[0].A != "g" {
			http.Error(w, "bad command", http.StatusBadRequest)
			return
		}
		switch cmds[0].P {
		case "known":
			_, _ = io.WriteString(w, `[{"s":1234,"at":"x"}]`)
		case "gone":
			_, _ = io.WriteString(w, `[-9]`)
		default:
			_, _ = io.WriteString(w, `[{}]`)
		}
	}))
	defer api.Close()

	mega := Mega("megadl").WithSize(MegaSize(newTestFetcher(t), api.URL))
	cases := []struct {
		url  string
		size int64
		ok   bool
	}{
		{"https://mega.nz/file/known#key", 1234, true},
		{"https://mega.nz/#!known!key", 1234, true},
		{"https://mega.nz/file/gone#key", 0, false},
		{"https://mega.nz/file/nosize#key", 0, false},
		{"https://mega.nz/folder/known#key", 0, false},
	}
	for _, c := range cases {
		size, ok := mega.FileSize(context.Background(), c.url, nil)
		if size != c.size || ok != c.ok {
			t.Fatalf("FileSize(%q)=%d,%v want %d,%v", c.url, size, ok, c.size, c.ok)
		}
	}

	if _, ok := Mega("megadl").FileSize(context.Background(), "https://mega.nz/file/known#key", nil); ok {
		t.Fatalf("size must be unknown without a lookup")
	}
	api.Close()
	if _, ok := mega.FileSize(context.Background(), "https://mega.nz/file/known#key", nil); ok {
		t.Fatalf("unreachable api must report unknown size")
	}
}
