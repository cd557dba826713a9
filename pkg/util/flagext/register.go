// Package flagext holds the flag plumbing shared by the mergecursors binaries.
package flagext

import "flag"

// Registerer is a config block that can register its flags.
type Registerer interface {
	RegisterFlags(*flag.FlagSet)
}

// RegisterFlags registers every config block on the command line flag set.
func RegisterFlags(rs ...Registerer) {
	register(flag.CommandLine, rs)
}

// DefaultValues fills the config blocks with their flag defaults.
func DefaultValues(rs ...Registerer) {
	fs := flag.NewFlagSet("", flag.PanicOnError)
	register(fs, rs)
	_ = fs.Parse(nil)
}

func register(fs *flag.FlagSet, rs []Registerer) {
	for _, r := range rs {
		r.RegisterFlags(fs)
	}
}

// IgnoredFlag accepts a flag that was already consumed before flag parsing,
// such as the config file location.
func IgnoredFlag(f *flag.FlagSet, name, usage string) {
	f.Var(ignored{}, name, usage)
}

type ignored struct{}

func (ignored) String() string   { return "ignored" }
func (ignored) Set(string) error { return nil }
