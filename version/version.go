package version

// VERSION is overridden at build time with -ldflags "-X ...version.VERSION=".
var VERSION = "(unknown)"
