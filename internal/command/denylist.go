package command

import "strings"

// denyList contains substrings that must not appear in a command line. They
// cover destructive filesystem, database and pipe-to-shell patterns.
var denyList = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf .git",
	"drop table",
	"drop database",
	"delete from",
	"chmod 777",
	"chmod -r 777",
	"| sh ",
	"| bash ",
	"| sudo ",
	"eval $(",
	"> /dev/sd",
	"dd if=",
	"mkfs.",
	"shutdown",
	"reboot",
	":(){ :|:& };:",
}

// Blocked reports whether the command line contains a denied pattern, and
// which. Matching is case-insensitive and ignores repeated spaces.
func Blocked(cmdLine string) (string, bool) {
	normalized := strings.ToLower(strings.Join(strings.Fields(cmdLine), " ")) + " "
	for _, deny := range denyList {
		if strings.Contains(normalized, deny) {
			return deny, true
		}
	}
	return "", false
}
