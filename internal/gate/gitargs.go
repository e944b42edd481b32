package gate

import "strings"

// GitPolicy is the vetting profile derived from a git argument vector:
// the minimum difficulty plus the guard-rail flags the arguments imply.
type GitPolicy struct {
	Min         Level
	ForcePush   bool
	Clean       bool
	Destructive bool
	Branch      string // refspec target of a push, when one is named
}

// readonly git subcommands without dedicated cases below.
var readonlyGit = map[string]bool{
	"status": true, "log": true, "show": true, "diff": true,
	"rev-parse": true, "ls-files": true, "ls-remote": true,
	"describe": true, "blame": true, "shortlog": true, "config": true,
}

// ClassifyGitArgs maps a git argument vector to its policy. Flags
// before the subcommand (-C, -c, --git-dir=...) are skipped. Unknown
// subcommands default to commit so agents at readonly stay blocked
// while the command-line default still works.
func ClassifyGitArgs(args []string) GitPolicy {
	sub, rest := splitSubcommand(args)
	p := GitPolicy{Min: Commit}

	switch sub {
	case "":
		p.Min = Readonly
	case "fetch":
		p.Min = Fetch
	case "remote":
		p.Min = Readonly
		if len(rest) > 0 && rest[0] == "update" {
			p.Min = Fetch
		}
	case "push":
		p.Min = Commit
		for _, a := range rest {
			if a == "-f" || a == "--force" || strings.HasPrefix(a, "--force-with-lease") || strings.HasPrefix(a, "--force-if-includes") {
				p.Min = Force
				p.ForcePush = true
			}
		}
		p.Branch = pushTargetBranch(rest)
	case "branch":
		p.Min = Readonly
		for _, a := range rest {
			if a == "-D" || a == "--delete" || a == "-d" {
				p.Min = Commit
			}
			if a == "-D" {
				p.Min = Force
				p.Destructive = true
			}
		}
	case "tag":
		p.Min = Readonly
		for _, a := range rest {
			if !strings.HasPrefix(a, "-") || a == "-a" || a == "-s" || a == "-d" {
				p.Min = Commit
			}
		}
	case "stash":
		p.Min = Readonly
		if len(rest) > 0 && rest[0] != "list" && rest[0] != "show" {
			p.Min = Commit
		}
	case "clean":
		p.Min = Unsafe
		p.Clean = true
		p.Destructive = true
	case "reset":
		p.Min = Commit
		for _, a := range rest {
			if a == "--hard" {
				p.Min = Unsafe
				p.Destructive = true
			}
		}
	case "gc", "prune", "filter-branch", "reflog":
		p.Min = Unsafe
		p.Destructive = true
	case "update-ref":
		p.Min = Force
	default:
		if readonlyGit[sub] {
			p.Min = Readonly
		}
	}
	return p
}

// splitSubcommand returns the first non-flag token and the arguments
// after it. Global option values (-C <dir>, -c <kv>) are skipped.
func splitSubcommand(args []string) (string, []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-C" || a == "-c" || a == "--git-dir" || a == "--work-tree" {
			i++ // skip the option value
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a, args[i+1:]
	}
	return "", nil
}

// pushTargetBranch extracts the destination branch from push refspecs:
// "main" pushes main, "HEAD:main" lands on main, "+topic:feature"
// lands on feature. Returns "" when no refspec is given.
func pushTargetBranch(rest []string) string {
	var positional []string
	for _, a := range rest {
		if strings.HasPrefix(a, "-") {
			continue
		}
		positional = append(positional, a)
	}
	// First positional is the remote; refspecs follow.
	if len(positional) < 2 {
		return ""
	}
	spec := strings.TrimPrefix(positional[1], "+")
	if _, dst, ok := strings.Cut(spec, ":"); ok {
		spec = dst
	}
	return strings.TrimPrefix(spec, "refs/heads/")
}
