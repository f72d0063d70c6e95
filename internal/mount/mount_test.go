package mount

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "mounts.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadConfigBasic(t *testing.T) {
	path := writeConfig(t, `
mounts:
  "10.0.0.1": /m1
  "10.0.0.2": /m2
links:
  "(10.0.0.1,10.0.0.2)": 1000
  "(10.0.0.1,client)": 100
tmp_directory:
  "10.0.0.1": /tmp/posh
`)

	tbl, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(tbl.Proxies()) != 2 {
		t.Fatalf("expected 2 proxies, got %d", len(tbl.Proxies()))
	}
	if mb, ok := tbl.LinkMbps(ProxyLink("10.0.0.1", "10.0.0.2")); !ok || mb != 1000 {
		t.Fatalf("expected 1000 Mbps between proxies, got %d, %v", mb, ok)
	}
	if mb, ok := tbl.LinkMbps(ClientEnd("10.0.0.1")); !ok || mb != 100 {
		t.Fatalf("expected 100 Mbps client link, got %d, %v", mb, ok)
	}
	if dir, ok := tbl.TmpDir("10.0.0.1"); !ok || dir != "/tmp/posh" {
		t.Fatalf("expected tmp dir /tmp/posh, got %q, %v", dir, ok)
	}
}

func TestLoadConfigRequiresMounts(t *testing.T) {
	path := writeConfig(t, "links: {}\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing mounts")
	}
}

func TestLoadConfigRejectsRelativeMount(t *testing.T) {
	path := writeConfig(t, "mounts:\n  \"10.0.0.1\": m1\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for relative mount prefix")
	}
}

func TestResolveLongestPrefix(t *testing.T) {
	tbl, err := LoadConfig(writeConfig(t, `
mounts:
  "10.0.0.1": /m1
  "10.0.0.2": /m1/sub
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	loc := tbl.Resolve("/m1/sub/file.txt")
	if loc.IsLocal() || loc.Proxy.IP() != "10.0.0.2" {
		t.Fatalf("expected longest-prefix match to 10.0.0.2, got %+v", loc)
	}
	if loc.RemoteSuffix != "/file.txt" {
		t.Fatalf("unexpected remote suffix %q", loc.RemoteSuffix)
	}
}

func TestResolveNoMatchIsLocal(t *testing.T) {
	tbl, err := LoadConfig(writeConfig(t, "mounts:\n  \"10.0.0.1\": /m1\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	loc := tbl.Resolve("/home/u/file.txt")
	if !loc.IsLocal() {
		t.Fatalf("expected Local, got %+v", loc)
	}
}

func TestResolveRejectsSiblingPrefixCollision(t *testing.T) {
	tbl, err := LoadConfig(writeConfig(t, "mounts:\n  \"10.0.0.1\": /m1\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	loc := tbl.Resolve("/m10/file.txt")
	if !loc.IsLocal() {
		t.Fatalf("expected /m10 to NOT match mount /m1, got %+v", loc)
	}
}

func TestCanonicalizeRelative(t *testing.T) {
	got := Canonicalize("../b.txt", "/home/u/sub")
	if got != "/home/u/b.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestOwnsCwd(t *testing.T) {
	tbl, err := LoadConfig(writeConfig(t, "mounts:\n  \"10.0.0.1\": /m1\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !tbl.Owns(Proxy("10.0.0.1"), "/m1/home/u") {
		t.Fatalf("expected proxy to own /m1/home/u")
	}
	if tbl.Owns(Proxy("10.0.0.1"), "/home/u") {
		t.Fatalf("expected proxy to NOT own /home/u")
	}
	if !tbl.Owns(Client(), "/anything") {
		t.Fatalf("Client always owns its own cwd")
	}
}
