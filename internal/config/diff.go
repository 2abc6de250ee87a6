package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EnginesRootChanged means the discovery scanner must be repointed;
	// this is applied by restarting the discovery watcher, not the process.
	EnginesRootChanged bool

	HostsChanged bool       // true if any SSH host was added, removed, or edited
	HostChanges  []HostDiff // per-host diffs
}

// HostDiff describes what changed for a single SSH host between two configs.
type HostDiff struct {
	Name    string
	Added   bool
	Removed bool
	Edited  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(oldCfg, newCfg *Config) ConfigDiff {
	d := ConfigDiff{}

	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = newCfg.Server.LogLevel
	}

	if oldCfg.Engines.Root != newCfg.Engines.Root {
		d.EnginesRootChanged = true
	}

	oldHosts := make(map[string]int, len(oldCfg.SSHHosts))
	for i, h := range oldCfg.SSHHosts {
		oldHosts[h.Name] = i
	}
	newHosts := make(map[string]int, len(newCfg.SSHHosts))
	for i, h := range newCfg.SSHHosts {
		newHosts[h.Name] = i
	}

	for name, oi := range oldHosts {
		ni, exists := newHosts[name]
		if !exists {
			d.HostChanges = append(d.HostChanges, HostDiff{Name: name, Removed: true})
			d.HostsChanged = true
			continue
		}
		if oldCfg.SSHHosts[oi] != newCfg.SSHHosts[ni] {
			d.HostChanges = append(d.HostChanges, HostDiff{Name: name, Edited: true})
			d.HostsChanged = true
		}
	}
	for name := range newHosts {
		if _, exists := oldHosts[name]; !exists {
			d.HostChanges = append(d.HostChanges, HostDiff{Name: name, Added: true})
			d.HostsChanged = true
		}
	}

	return d
}
