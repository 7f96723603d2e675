package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"ircnet/auth"
	"ircnet/db"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)
	err := app.Run(append([]string{"ircctl"}, args...))
	return out.String(), err
}

func TestMkpasswd(t *testing.T) {
	out, err := run(t, "", "mkpasswd", "linkpass")
	if err != nil {
		t.Fatalf("mkpasswd: %v", err)
	}
	if !auth.CheckPassword(strings.TrimSpace(out), "linkpass") {
		t.Fatalf("hash %q does not match", out)
	}

	out, err = run(t, "fromstdin\n", "mkpasswd")
	if err != nil {
		t.Fatalf("mkpasswd stdin: %v", err)
	}
	if !auth.CheckPassword(strings.TrimSpace(out), "fromstdin") {
		t.Fatalf("stdin hash %q does not match", out)
	}
}

func TestTokenNeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := run(t, "", "token"); err == nil {
		t.Fatalf("expected error without a secret")
	}
	out, err := run(t, "", "token", "--secret", "s3cret", "--subject", "oper")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("not a JWT: %q", out)
	}
}

func TestLinkBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircd.db")

	if _, err := run(t, "", "links", "--db", path, "add", "--address", "x:1",
		"--send-password", "a", "--accept-password", "b", "bad name"); err == nil {
		t.Fatalf("expected invalid name error")
	}
	out, err := run(t, "", "links", "--db", path, "add", "--address", "10.0.0.2:7000", "--transport", "quic",
		"--send-password", "out", "--accept-password", "in", "--autoconnect", "leaf.example.net")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "saved link block leaf.example.net") {
		t.Fatalf("unexpected output %q", out)
	}

	store, err := db.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l, err := store.GetLink("leaf.example.net")
	store.Close()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.Transport != "quic" || !l.Autoconnect || !auth.CheckPassword(l.AcceptHash, "in") {
		t.Fatalf("unexpected link %+v", l)
	}

	out, err = run(t, "", "links", "--db", path, "list")
	if err != nil || !strings.Contains(out, "leaf.example.net") || !strings.Contains(out, "quic") {
		t.Fatalf("list: %v %q", err, out)
	}

	if _, err := run(t, "", "links", "--db", path, "delete", "leaf.example.net"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, "", "links", "--db", path, "delete", "leaf.example.net"); err == nil {
		t.Fatalf("expected error deleting a missing link")
	}
}
