package native

// Config tunes a native backend.
type Config struct {
	// LoaderProbes makes the linux backend trap the dynamic loader's SDT
	// probes and rescan the module list only when one of them is hit. When
	// false, or when the loader has no usable probes, the module list is
	// rescanned at every reportable stop.
	LoaderProbes bool
	// ProbeCacheSize is the number of loader binaries whose probes are kept
	// parsed.
	ProbeCacheSize int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{LoaderProbes: true, ProbeCacheSize: 16}
}
