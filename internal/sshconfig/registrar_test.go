package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpctools/slurmtunnel/internal/logging"
)

// =============================================================================
// Test Helpers
// =============================================================================

const unrelatedConfig = `# personal hosts
Host github.com
    User git
    IdentityFile ~/.ssh/id_ed25519

Host hpc-login
    HostName login.cluster.example.org
    User wilma
`

func newTestRegistrar(t *testing.T) (*Registrar, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	return New(path, logging.NewTestLogger()), path
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to seed routing file: %v", err)
	}
}

func readConfig(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read routing file: %v", err)
	}
	return string(data)
}

func testRoute() Route {
	return Route{
		Alias:     "hpc-login-job",
		HostName:  "compute-07",
		Port:      43821,
		User:      "wilma",
		ProxyJump: "hpc-login",
	}
}

// =============================================================================
// Install / Remove Tests
// =============================================================================

func TestInstall_CreatesMissingFile(t *testing.T) {
	reg, path := newTestRegistrar(t)

	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	got, found, err := reg.Lookup("hpc-login-job")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("Lookup did not find the installed route")
	}
	if got != testRoute() {
		t.Errorf("Lookup = %+v, want %+v", got, testRoute())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("routing file mode = %o, want 0600", perm)
	}
}

func TestInstall_PreservesUnrelatedEntries(t *testing.T) {
	reg, path := newTestRegistrar(t)
	writeConfig(t, path, unrelatedConfig)

	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	content := readConfig(t, path)
	if !strings.Contains(content, "Host github.com") {
		t.Error("unrelated github.com entry lost")
	}
	if !strings.Contains(content, "# personal hosts") {
		t.Error("comment line lost")
	}
	if !strings.Contains(content, "Host hpc-login-job") {
		t.Error("installed route missing")
	}
}

func TestInstallRemove_RoundTripsByteForByte(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"trailing newline", unrelatedConfig},
		{"no trailing newline", strings.TrimSuffix(unrelatedConfig, "\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, path := newTestRegistrar(t)
			writeConfig(t, path, tt.content)

			if err := reg.Install(testRoute()); err != nil {
				t.Fatalf("Install failed: %v", err)
			}
			if err := reg.Remove("hpc-login-job"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			if got := readConfig(t, path); got != tt.content {
				t.Errorf("routing file after install+remove:\n%q\nwant pre-install content:\n%q", got, tt.content)
			}
		})
	}
}

func TestInstallRemove_RoundTripsBothAliasesUnterminatedFile(t *testing.T) {
	content := strings.TrimSuffix(unrelatedConfig, "\n")
	reg, path := newTestRegistrar(t)
	writeConfig(t, path, content)

	forward := Route{Alias: "hpc-login-job-port-forward", HostName: "localhost", Port: 52000, User: "wilma"}
	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("Install jump failed: %v", err)
	}
	if err := reg.Install(forward); err != nil {
		t.Fatalf("Install forward failed: %v", err)
	}
	if err := reg.Remove("hpc-login-job-port-forward"); err != nil {
		t.Fatalf("Remove forward failed: %v", err)
	}
	if err := reg.Remove("hpc-login-job"); err != nil {
		t.Fatalf("Remove jump failed: %v", err)
	}

	if got := readConfig(t, path); got != content {
		t.Errorf("routing file after both removals:\n%q\nwant pre-install content:\n%q", got, content)
	}
}

func TestInstall_OverwritesStaleRoute(t *testing.T) {
	reg, _ := newTestRegistrar(t)

	stale := testRoute()
	stale.HostName = "compute-01"
	stale.Port = 10000
	if err := reg.Install(stale); err != nil {
		t.Fatalf("Install of stale route failed: %v", err)
	}

	fresh := testRoute()
	if err := reg.Install(fresh); err != nil {
		t.Fatalf("Install of fresh route failed: %v", err)
	}

	got, found, err := reg.Lookup("hpc-login-job")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("Lookup did not find the route")
	}
	if got.HostName != "compute-07" || got.Port != 43821 {
		t.Errorf("Lookup = %+v, want fresh endpoint compute-07:43821", got)
	}
}

func TestInstall_SingleBlockAfterOverwrite(t *testing.T) {
	reg, path := newTestRegistrar(t)

	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("first Install failed: %v", err)
	}
	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("second Install failed: %v", err)
	}

	content := readConfig(t, path)
	if n := strings.Count(content, "Host hpc-login-job"); n != 1 {
		t.Errorf("routing file holds %d blocks for the alias, want 1:\n%s", n, content)
	}
}

func TestRemove_AbsentAliasIsNoOp(t *testing.T) {
	reg, path := newTestRegistrar(t)
	writeConfig(t, path, unrelatedConfig)

	if err := reg.Remove("never-installed"); err != nil {
		t.Fatalf("Remove of absent alias failed: %v", err)
	}
	if got := readConfig(t, path); got != unrelatedConfig {
		t.Error("Remove of absent alias modified the routing file")
	}
}

func TestRemove_MissingFileIsNoOp(t *testing.T) {
	reg, path := newTestRegistrar(t)

	if err := reg.Remove("hpc-login-job"); err != nil {
		t.Fatalf("Remove with missing routing file failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Remove created a routing file")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	reg, path := newTestRegistrar(t)
	writeConfig(t, path, unrelatedConfig)

	if err := reg.Install(testRoute()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := reg.Remove("hpc-login-job"); err != nil {
		t.Fatalf("first Remove failed: %v", err)
	}
	after := readConfig(t, path)

	if err := reg.Remove("hpc-login-job"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if got := readConfig(t, path); got != after {
		t.Error("second Remove changed the routing file")
	}
}

func TestRemove_OnlyNamedAlias(t *testing.T) {
	reg, _ := newTestRegistrar(t)

	jump := testRoute()
	forward := Route{Alias: "hpc-login-job-port-forward", HostName: "localhost", Port: 52000, User: "wilma"}
	if err := reg.Install(jump); err != nil {
		t.Fatalf("Install jump failed: %v", err)
	}
	if err := reg.Install(forward); err != nil {
		t.Fatalf("Install forward failed: %v", err)
	}

	if err := reg.Remove("hpc-login-job"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, found, _ := reg.Lookup("hpc-login-job"); found {
		t.Error("removed alias still resolves")
	}
	got, found, err := reg.Lookup("hpc-login-job-port-forward")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("sibling alias was removed too")
	}
	if got.HostName != "localhost" || got.Port != 52000 {
		t.Errorf("sibling route = %+v, want localhost:52000", got)
	}
}

// =============================================================================
// Lookup / Rendering Tests
// =============================================================================

func TestLookup_AbsentAlias(t *testing.T) {
	reg, path := newTestRegistrar(t)
	writeConfig(t, path, unrelatedConfig)

	_, found, err := reg.Lookup("hpc-login-job")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found {
		t.Error("Lookup found a route that was never installed")
	}
}

func TestLookup_MissingFile(t *testing.T) {
	reg, _ := newTestRegistrar(t)

	_, found, err := reg.Lookup("hpc-login-job")
	if err != nil {
		t.Fatalf("Lookup on missing file failed: %v", err)
	}
	if found {
		t.Error("Lookup found a route in a missing file")
	}
}

func TestRoute_RenderOmitsEmptyFields(t *testing.T) {
	route := Route{Alias: "job-port-forward", HostName: "localhost", Port: 52000}
	block := route.render()

	if strings.Contains(block, "User") {
		t.Error("render emitted User for empty user")
	}
	if strings.Contains(block, "ProxyJump") {
		t.Error("render emitted ProxyJump for empty proxy")
	}
	if !strings.HasPrefix(block, "Host job-port-forward\n") {
		t.Errorf("render = %q, want leading Host line", block)
	}
}

func TestStripAlias_KeepsUnmatchedPatterns(t *testing.T) {
	content := "Host a\n    Port 1\n\nHost hpc-login-job\n    Port 2\n\nHost b\n    Port 3\n"
	got := stripAlias(content, "hpc-login-job")

	if strings.Contains(got, "Port 2") {
		t.Error("stripAlias kept the matched block")
	}
	if !strings.Contains(got, "Host a") || !strings.Contains(got, "Host b") {
		t.Errorf("stripAlias dropped unrelated blocks: %q", got)
	}
}
