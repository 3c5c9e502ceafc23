package command_safety

import (
	"path/filepath"
	"strings"
)

// IsKnownSafeCommand reports whether the command is on the conservative
// read-only allow-list and may bypass approval under unless-trusted.
// Shell -c/-lc wrappers qualify when every command in the script qualifies.
func IsKnownSafeCommand(command []string) bool {
	if isSafeExec(command) {
		return true
	}
	if parts := ParseShellScriptCommands(command); len(parts) > 0 {
		for _, part := range parts {
			if !isSafeExec(part) {
				return false
			}
		}
		return true
	}
	return false
}

func isSafeExec(command []string) bool {
	if len(command) == 0 {
		return false
	}

	switch filepath.Base(command[0]) {
	case "cat", "cd", "cut", "echo", "expr", "false", "grep", "head", "id",
		"ls", "nl", "numfmt", "paste", "pwd", "rev", "seq", "stat", "tac",
		"tail", "tr", "true", "uname", "uniq", "wc", "which", "whoami":
		return true
	case "base64":
		return base64IsSafe(command)
	case "find":
		return findIsSafe(command)
	case "rg":
		return rgIsSafe(command)
	case "git":
		return gitIsSafe(command)
	case "sed":
		return sedIsSafe(command)
	}
	return false
}

// base64 is read-only unless an output file is named.
func base64IsSafe(command []string) bool {
	for _, arg := range command[1:] {
		if arg == "-o" || arg == "--output" ||
			strings.HasPrefix(arg, "--output=") ||
			(strings.HasPrefix(arg, "-o") && arg != "-o") {
			return false
		}
	}
	return true
}

// find is read-only without its exec/delete/write-output options.
func findIsSafe(command []string) bool {
	for _, arg := range command {
		switch arg {
		case "-exec", "-execdir", "-ok", "-okdir", "-delete",
			"-fls", "-fprint", "-fprint0", "-fprintf":
			return false
		}
	}
	return true
}

// rg is read-only unless it can spawn helpers or write archives.
func rgIsSafe(command []string) bool {
	for _, arg := range command {
		switch arg {
		case "--search-zip", "-z":
			return false
		}
		for _, opt := range []string{"--pre", "--hostname-bin"} {
			if arg == opt || strings.HasPrefix(arg, opt+"=") {
				return false
			}
		}
	}
	return true
}

// git allows a handful of inspection subcommands. Config overrides (-c) are
// rejected outright: they can make git run arbitrary external programs.
func gitIsSafe(command []string) bool {
	for _, arg := range command {
		if arg == "-c" || arg == "--config-env" ||
			strings.HasPrefix(arg, "--config-env=") ||
			(strings.HasPrefix(arg, "-c") && len(arg) > 2) {
			return false
		}
	}

	idx, sub, found := findGitSubcommand(command, []string{"status", "log", "diff", "show", "branch"})
	if !found {
		return false
	}
	args := command[idx+1:]

	if !gitArgsAreReadOnly(args) {
		return false
	}
	if sub == "branch" {
		return gitBranchIsListOnly(args)
	}
	return true
}

func gitArgsAreReadOnly(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "--output", "--ext-diff", "--textconv", "--exec", "--paginate":
			return false
		}
		if strings.HasPrefix(arg, "--output=") || strings.HasPrefix(arg, "--exec=") {
			return false
		}
	}
	return true
}

// git branch only lists with an explicit read-only flag; bare positional
// args create or delete branches.
func gitBranchIsListOnly(args []string) bool {
	if len(args) == 0 {
		return true
	}
	sawListFlag := false
	for _, arg := range args {
		switch arg {
		case "--list", "-l", "--show-current", "-a", "--all", "-r", "--remotes",
			"-v", "-vv", "--verbose":
			sawListFlag = true
		default:
			if strings.HasPrefix(arg, "--format=") {
				sawListFlag = true
			} else {
				return false
			}
		}
	}
	return sawListFlag
}

// sed qualifies only as `sed -n {N|M,N}p [file]`.
func sedIsSafe(command []string) bool {
	if len(command) < 3 || len(command) > 4 {
		return false
	}
	if command[1] != "-n" {
		return false
	}
	arg := command[2]
	if !strings.HasSuffix(arg, "p") {
		return false
	}
	parts := strings.Split(strings.TrimSuffix(arg, "p"), ",")
	if len(parts) > 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || !allDigits(part) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
