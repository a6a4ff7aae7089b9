package common

// Version is patched in by release tooling; "dev" when built locally.
var Version = "dev"

func GetVersion() string {
	return "plast " + Version
}
