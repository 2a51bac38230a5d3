package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds ||
		a.ShutdownGraceSeconds != b.ShutdownGraceSeconds {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	if a.Report != b.Report {
		return true
	}
	return a.Logging != b.Logging
}

// NeedsRestart reports whether moving from a to b requires rebinding the
// listener or reopening the store. Other changes can be applied in place.
func NeedsRestart(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	return a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds
}

func upstreamEqual(a, b *UpstreamConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
