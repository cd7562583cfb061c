package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes to the
// server address, stores, model or media bases require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IdentifyChanged bool
	NewIdentify     IdentifyConfig

	ClusterChanged bool
	NewCluster     ClusterConfig

	ReconcileChanged bool
	NewReconcile     ReconcileConfig
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.IdentifyChanged || d.ClusterChanged || d.ReconcileChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Identify != new.Identify {
		d.IdentifyChanged = true
		d.NewIdentify = new.Identify
	}
	if old.Cluster != new.Cluster {
		d.ClusterChanged = true
		d.NewCluster = new.Cluster
	}
	if old.Reconcile != new.Reconcile {
		d.ReconcileChanged = true
		d.NewReconcile = new.Reconcile
	}
	return d
}
