package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded without rebuilding the search factory are
// tracked individually; any change to a path or identity field that would
// require reloading acoustic/language models is reported via RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TunablesChanged bool
	NewDecoder      DecoderConfig

	// RestartRequired lists the dotted field names of model/dictionary
	// paths that changed between old and new. A non-empty slice means the
	// search factory must be rebuilt (acoustic/LM collaborators reloaded)
	// rather than hot-swapped.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed. Decoder beam
// widths and penalties are reported as hot-reloadable tunables; Model paths
// are reported as restart-required since changing them means reloading the
// acoustic model, dictionary, or language model.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Decoder != new.Decoder {
		d.TunablesChanged = true
		d.NewDecoder = new.Decoder
	}

	d.RestartRequired = diffModelPaths(old.Model, new.Model)

	return d
}

// diffModelPaths returns the dotted field names of [ModelConfig] paths that
// differ between old and new.
func diffModelPaths(old, new ModelConfig) []string {
	var changed []string
	check := func(name string, a, b string) {
		if a != b {
			changed = append(changed, "model."+name)
		}
	}
	check("hmm", old.HMM, new.HMM)
	check("mdef", old.MDef, new.MDef)
	check("mean", old.Mean, new.Mean)
	check("var", old.Var, new.Var)
	check("tmat", old.TMat, new.TMat)
	check("mixw", old.Mixw, new.Mixw)
	check("sendump", old.Sendump, new.Sendump)
	check("dict", old.Dict, new.Dict)
	check("fdict", old.FDict, new.FDict)
	check("lda", old.LDA, new.LDA)
	check("feat_params", old.FeatParams, new.FeatParams)
	check("sen_mgau", old.SenMGau, new.SenMGau)
	check("lm_path", old.LMPath, new.LMPath)
	check("lm_ctl_path", old.LMCtlPath, new.LMCtlPath)
	check("lm_name", old.LMName, new.LMName)
	check("fwdtree_lm", old.FwdtreeLM, new.FwdtreeLM)
	check("vocab_map_path", old.VocabMapPath, new.VocabMapPath)
	return changed
}
