package repo

import (
	"strings"
)

// RemoteRef is the parsed identity of a remote URL.
type RemoteRef struct {
	Host  string
	Owner string
	Name  string
}

// ParseRemoteURL extracts host, owner, and repo name from the URL shapes
// git hosts actually hand out: scp-like ssh (git@host:owner/name.git),
// ssh://, https://, http://, and git://. Deeper paths keep the first
// segment as owner and the last as name.
func ParseRemoteURL(raw string) (RemoteRef, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RemoteRef{}, false
	}

	var host, path string
	switch {
	case strings.Contains(raw, "://"):
		rest := raw[strings.Index(raw, "://")+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		host, path, _ = strings.Cut(rest, "/")
		if i := strings.Index(host, ":"); i >= 0 {
			host = host[:i] // strip port
		}
	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		// scp-like: git@host:owner/name.git
		rest := raw[strings.Index(raw, "@")+1:]
		host, path, _ = strings.Cut(rest, ":")
	default:
		return RemoteRef{}, false
	}

	host = strings.ToLower(host)
	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	if host == "" || path == "" {
		return RemoteRef{}, false
	}

	segs := strings.Split(path, "/")
	ref := RemoteRef{Host: host, Name: segs[len(segs)-1]}
	if len(segs) > 1 {
		ref.Owner = segs[0]
	}
	if ref.Name == "" {
		return RemoteRef{}, false
	}
	return ref, true
}

// NormalizeRemoteURL canonicalizes a remote URL to "host/owner/name" so
// that ssh and https forms of the same remote compare equal. URLs that
// do not parse normalize to their trimmed form minus any ".git" suffix.
func NormalizeRemoteURL(raw string) string {
	if ref, ok := ParseRemoteURL(raw); ok {
		if ref.Owner != "" {
			return ref.Host + "/" + ref.Owner + "/" + ref.Name
		}
		return ref.Host + "/" + ref.Name
	}
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	return strings.TrimSuffix(s, ".git")
}

// Platform maps a remote host to its short display name.
func Platform(host string) string {
	switch strings.ToLower(host) {
	case "github.com":
		return "github"
	case "gitlab.com":
		return "gitlab"
	case "bitbucket.org":
		return "bitbucket"
	case "codeberg.org":
		return "codeberg"
	case "sr.ht", "git.sr.ht":
		return "sourcehut"
	}
	host = strings.ToLower(host)
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return host
}
