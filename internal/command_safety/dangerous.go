package command_safety

import (
	"path/filepath"
	"strings"
)

// CommandMightBeDangerous reports whether a command looks destructive enough
// to warn about even when the approval policy would otherwise let it run.
func CommandMightBeDangerous(command []string) bool {
	if isDangerousExec(command) {
		return true
	}
	for _, part := range ParseShellScriptCommands(command) {
		if isDangerousExec(part) {
			return true
		}
	}
	return false
}

func isDangerousExec(command []string) bool {
	if len(command) == 0 {
		return false
	}

	switch {
	case filepath.Base(command[0]) == "git":
		idx, sub, found := findGitSubcommand(command, []string{"reset", "rm", "branch", "push", "clean"})
		if !found {
			return false
		}
		args := command[idx+1:]
		switch sub {
		case "reset", "rm":
			return true
		case "branch":
			return gitBranchDeletes(args)
		case "push":
			return gitPushForcesOrDeletes(args)
		case "clean":
			return hasForceFlag(args)
		}
		return false

	case command[0] == "rm":
		return len(command) > 1 && (command[1] == "-f" || command[1] == "-rf")

	case command[0] == "sudo":
		return len(command) > 1 && isDangerousExec(command[1:])
	}
	return false
}

// findGitSubcommand locates the first git subcommand from the candidate
// list, skipping global options. The first non-option token is the
// subcommand; if it is not a candidate the scan stops so later positional
// args (branch names) are not misread.
func findGitSubcommand(command []string, candidates []string) (idx int, name string, found bool) {
	if len(command) == 0 || filepath.Base(command[0]) != "git" {
		return 0, "", false
	}

	skipNext := false
	for i := 1; i < len(command); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := command[i]

		if gitGlobalOptionHasInlineValue(arg) {
			continue
		}
		if gitGlobalOptionTakesValue(arg) {
			skipNext = true
			continue
		}
		if arg == "--" || strings.HasPrefix(arg, "-") {
			continue
		}

		for _, c := range candidates {
			if arg == c {
				return i, arg, true
			}
		}
		return 0, "", false
	}
	return 0, "", false
}

func gitGlobalOptionTakesValue(arg string) bool {
	switch arg {
	case "-C", "-c", "--config-env", "--exec-path", "--git-dir", "--namespace", "--super-prefix", "--work-tree":
		return true
	}
	return false
}

func gitGlobalOptionHasInlineValue(arg string) bool {
	for _, opt := range []string{"--config-env=", "--exec-path=", "--git-dir=", "--namespace=", "--super-prefix=", "--work-tree="} {
		if strings.HasPrefix(arg, opt) {
			return true
		}
	}
	return (strings.HasPrefix(arg, "-C") || strings.HasPrefix(arg, "-c")) && len(arg) > 2
}

func gitBranchDeletes(args []string) bool {
	for _, arg := range args {
		if arg == "-d" || arg == "-D" || arg == "--delete" || strings.HasPrefix(arg, "--delete=") {
			return true
		}
		if shortFlagsContain(arg, 'd') || shortFlagsContain(arg, 'D') {
			return true
		}
	}
	return false
}

func gitPushForcesOrDeletes(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "--force", "--force-with-lease", "--force-if-includes", "--delete", "-f", "-d":
			return true
		}
		if strings.HasPrefix(arg, "--force-with-lease=") ||
			strings.HasPrefix(arg, "--force-if-includes=") ||
			strings.HasPrefix(arg, "--delete=") {
			return true
		}
		if shortFlagsContain(arg, 'f') || shortFlagsContain(arg, 'd') {
			return true
		}
		// +<refspec> forces updates; :<dst> deletes remote refs.
		if (strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, ":")) && len(arg) > 1 {
			return true
		}
	}
	return false
}

func hasForceFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--force" || arg == "-f" || strings.HasPrefix(arg, "--force=") {
			return true
		}
		if shortFlagsContain(arg, 'f') {
			return true
		}
	}
	return false
}

// shortFlagsContain checks a grouped short flag like -dv for the target.
func shortFlagsContain(arg string, target byte) bool {
	if !strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "--") {
		return false
	}
	return strings.IndexByte(arg[1:], target) >= 0
}
