// Package sshconfig maintains the tunnel's entries in the local SSH routing
// file (usually ~/.ssh/config).
//
// Edits are sparse: only the single aliased Host block is touched, everything
// else in the file is preserved byte-for-byte. Writes go to a temporary file
// in the same directory followed by a rename, so a crash mid-write never
// leaves a corrupted routing file.
package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ssh_config "github.com/kevinburke/ssh_config"

	"github.com/hpctools/slurmtunnel/internal/errors"
	"github.com/hpctools/slurmtunnel/internal/logging"
)

// Route is one aliased entry in the routing file, holding the fields needed
// to reconnect to a discovered endpoint.
type Route struct {
	// Alias is the short name callers connect with (`ssh <alias>`).
	Alias string
	// HostName is the endpoint host.
	HostName string
	// Port is the endpoint port.
	Port int
	// User is the remote user name; empty omits the directive.
	User string
	// ProxyJump routes the connection through the login node; empty omits it.
	ProxyJump string
}

// render produces the Host block for this route.
func (r Route) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", r.Alias)
	fmt.Fprintf(&b, "    HostName %s\n", r.HostName)
	fmt.Fprintf(&b, "    Port %d\n", r.Port)
	if r.User != "" {
		fmt.Fprintf(&b, "    User %s\n", r.User)
	}
	if r.ProxyJump != "" {
		fmt.Fprintf(&b, "    ProxyJump %s\n", r.ProxyJump)
	}
	return b.String()
}

// Registrar installs and removes aliased routes in one routing file.
type Registrar struct {
	path string
	log  *logging.Logger

	// Set when Install had to terminate an unterminated last line. Remove
	// undoes that newline once the file has shrunk back to the original
	// content, keeping install+remove byte-for-byte.
	addedNewline bool
	restoreLen   int
}

// New returns a Registrar operating on the routing file at path.
func New(path string, log *logging.Logger) *Registrar {
	return &Registrar{
		path: path,
		log:  log.WithComponent("sshconfig"),
	}
}

// Install writes the route into the routing file. An existing block for the
// same alias is removed first, so local callers can never silently connect
// to a dead endpoint through a stale entry.
func (r *Registrar) Install(route Route) error {
	content, err := r.read()
	if err != nil {
		return errors.NewRouteError("failed to read routing file", err).WithAlias(route.Alias)
	}

	content = stripAlias(content, route.Alias)

	if content != "" && !strings.HasSuffix(content, "\n") {
		r.addedNewline = true
		r.restoreLen = len(content)
		content += "\n"
	}
	if content != "" {
		content += "\n"
	}
	content += route.render()

	if err := r.writeAtomic(content); err != nil {
		return errors.NewRouteError("failed to write routing file", err).WithAlias(route.Alias)
	}
	r.log.Info("route installed", "alias", route.Alias, "host", route.HostName, "port", route.Port)
	return nil
}

// Remove deletes the aliased block from the routing file. Removing an absent
// alias is a no-op; removal is part of unconditional cleanup and must never
// fail on "already removed".
func (r *Registrar) Remove(alias string) error {
	content, err := r.read()
	if err != nil {
		return errors.NewRouteError("failed to read routing file", err).WithAlias(alias)
	}

	stripped := stripAlias(content, alias)
	if stripped == content {
		r.log.Debug("route already absent", "alias", alias)
		return nil
	}

	if r.addedNewline && len(stripped) == r.restoreLen+1 && strings.HasSuffix(stripped, "\n") {
		stripped = stripped[:r.restoreLen]
		r.addedNewline = false
	}

	if err := r.writeAtomic(stripped); err != nil {
		return errors.NewRouteError("failed to write routing file", err).WithAlias(alias)
	}
	r.log.Info("route removed", "alias", alias)
	return nil
}

// Lookup parses the routing file and returns the route stored under alias.
func (r *Registrar) Lookup(alias string) (Route, bool, error) {
	content, err := r.read()
	if err != nil {
		return Route{}, false, errors.NewRouteError("failed to read routing file", err).WithAlias(alias)
	}

	cfg, err := ssh_config.Decode(strings.NewReader(content))
	if err != nil {
		return Route{}, false, errors.NewRouteError("failed to parse routing file", err).WithAlias(alias)
	}

	hostName, err := cfg.Get(alias, "HostName")
	if err != nil || hostName == "" {
		return Route{}, false, nil
	}

	route := Route{Alias: alias, HostName: hostName}
	if v, err := cfg.Get(alias, "Port"); err == nil && v != "" {
		route.Port, _ = strconv.Atoi(v)
	}
	if v, err := cfg.Get(alias, "User"); err == nil {
		route.User = v
	}
	if v, err := cfg.Get(alias, "ProxyJump"); err == nil {
		route.ProxyJump = v
	}
	return route, true, nil
}

// read returns the routing file's content; a missing file reads as empty.
func (r *Registrar) read() (string, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeAtomic replaces the routing file via temp-file-and-rename.
func (r *Registrar) writeAtomic(content string) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRouteWrite, err)
	}
	return nil
}

// stripAlias removes every top-level Host block whose pattern list contains
// alias exactly, along with the single blank separator line preceding it.
// All other bytes are left untouched.
func stripAlias(content, alias string) string {
	for {
		start, end, found := aliasBlock(content, alias)
		if !found {
			return content
		}
		// Drop one blank separator line directly before the block.
		if start >= 2 && content[start-1] == '\n' && content[start-2] == '\n' {
			start--
		}
		content = content[:start] + content[end:]
	}
}

// aliasBlock locates the byte range [start, end) of the Host block for
// alias: from its Host line up to the next top-level Host/Match line or EOF.
func aliasBlock(content, alias string) (int, int, bool) {
	offset := 0
	start := -1
	for offset <= len(content) {
		lineEnd := strings.IndexByte(content[offset:], '\n')
		var next int
		var line string
		if lineEnd == -1 {
			line = content[offset:]
			next = len(content) + 1
		} else {
			line = content[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}

		if isTopLevel(line) {
			if start != -1 {
				return start, offset, true
			}
			if hostLineMatches(line, alias) {
				start = offset
			}
		}
		offset = next
	}
	if start != -1 {
		return start, len(content), true
	}
	return 0, 0, false
}

func isTopLevel(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return strings.EqualFold(fields[0], "Host") || strings.EqualFold(fields[0], "Match")
}

func hostLineMatches(line, alias string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Host") {
		return false
	}
	for _, pattern := range fields[1:] {
		if pattern == alias {
			return true
		}
	}
	return false
}
