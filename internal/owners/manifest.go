// Package owners parses the CODEOWNERS-style ownership manifest of the flags
// repository and answers access questions against it.
//
// Pattern grammar, shared by write gating and read filtering:
//
//	"*" or "**"      global grant
//	"billing/*"      the billing directory itself and everything below it
//	"billing/prod"   literal path (leading and trailing "/" are ignored)
//	"*/prod"         glob, "/" is the separator
//
// A principal is authorized when at least one matching entry lists them.
// Entries are never merged.
package owners

import (
	"strings"

	"github.com/gobwas/glob"
)

// Entry is one manifest line.
type Entry struct {
	Pattern    string
	Principals []string

	matcher glob.Glob
}

// Manifest is the parsed ownership file. Entries keep file order.
type Manifest struct {
	Entries []Entry
}

// Parse reads manifest text. Blank lines, "#" comments and lines without
// principals are skipped. Parse never fails; a pattern that does not compile
// as a glob is matched literally.
func Parse(text string) Manifest {
	var m Manifest
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		e := Entry{Pattern: fields[0], Principals: fields[1:]}
		norm := normalize(e.Pattern)
		if strings.ContainsAny(norm, "*?[{") && !isGlobal(norm) && !isSubtree(norm) {
			if g, err := glob.Compile(norm, '/'); err == nil {
				e.matcher = g
			}
		}
		m.Entries = append(m.Entries, e)
	}
	return m
}

// PrincipalID returns the manifest identifier for a username.
func PrincipalID(username string) string {
	if strings.HasPrefix(username, "@") {
		return username
	}
	return "@" + username
}

// IsAuthorized reports whether principal may write scope, a repository path
// inside project. The global grant and the project-wide grant always apply.
func (m Manifest) IsAuthorized(principal, project, scope string) bool {
	if m.HasFullAccess(principal, project) {
		return true
	}
	scope = normalize(scope)
	for _, e := range m.Entries {
		if e.lists(principal) && e.matches(scope) {
			return true
		}
	}
	return false
}

// HasFullAccess reports whether principal holds the global grant or the
// project-wide grant for project.
func (m Manifest) HasFullAccess(principal, project string) bool {
	project = normalize(project)
	for _, e := range m.Entries {
		if !e.lists(principal) {
			continue
		}
		p := normalize(e.Pattern)
		if isGlobal(p) || (project != "" && p == project+"/*") {
			return true
		}
	}
	return false
}

// CanSeeProject reports whether project should be listed for principal: full
// access, or any entry for principal that lies inside the project.
func (m Manifest) CanSeeProject(principal, project string) bool {
	if m.HasFullAccess(principal, project) {
		return true
	}
	project = normalize(project)
	for _, e := range m.Entries {
		if !e.lists(principal) {
			continue
		}
		p := normalize(e.Pattern)
		if p == project || strings.HasPrefix(p, project+"/") {
			return true
		}
		if e.matcher != nil && e.matcher.Match(project) {
			return true
		}
	}
	return false
}

// VisibleEnvs filters envs for principal. Reserved environments, those whose
// name contains one of markers, are kept only for callers with full access.
// The input order is preserved.
func (m Manifest) VisibleEnvs(principal, project string, envs, markers []string) []string {
	full := m.HasFullAccess(principal, project)
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		if !full && IsReserved(env, markers) {
			continue
		}
		out = append(out, env)
	}
	return out
}

// IsReserved reports whether env contains any of markers.
func IsReserved(env string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(env, marker) {
			return true
		}
	}
	return false
}

func (e Entry) lists(principal string) bool {
	for _, p := range e.Principals {
		if p == principal {
			return true
		}
	}
	return false
}

func (e Entry) matches(scope string) bool {
	p := normalize(e.Pattern)
	switch {
	case isGlobal(p):
		return true
	case isSubtree(p):
		dir := strings.TrimSuffix(p, "/*")
		return scope == dir || strings.HasPrefix(scope, dir+"/")
	case p == scope:
		return true
	case e.matcher != nil:
		return e.matcher.Match(scope)
	}
	return false
}

func normalize(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

func isGlobal(p string) bool {
	return p == "*" || p == "**"
}

func isSubtree(p string) bool {
	return strings.HasSuffix(p, "/*") && !strings.ContainsAny(strings.TrimSuffix(p, "/*"), "*?[{")
}
