package main

import "fmt"

// VersionTag is injected at build time via -ldflags.
var VersionTag string

func versionString() string {
	if VersionTag == "" {
		return "otad development build"
	}
	return fmt.Sprintf("otad release %s", VersionTag)
}
