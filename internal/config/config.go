// Package config provides the configuration schema and loader for the
// multisphinx decoder.
package config

// Config is the root configuration structure for a decoder process. It is
// typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Decoder DecoderConfig `yaml:"decoder"`
	Lattice LatticeConfig `yaml:"lattice"`
	Archive ArchiveConfig `yaml:"archive"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// ServerConfig holds network, logging, and observability settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the debug/metrics server listens on
	// (e.g. ":8080"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsPath is the path the Prometheus exporter is mounted on.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of utterances that get a full trace,
	// in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ModelConfig points at the external collaborator resources: acoustic
// model files, the pronunciation dictionary, phonetic-context tables, and
// language models. This package only carries the paths; msdecode wires
// real or mock implementations of pkg/acmod.Model, pkg/dict.Dictionary,
// pkg/dict2pid.Table and pkg/ngram.Model from them.
type ModelConfig struct {
	HMM    string `yaml:"hmm"`
	MDef   string `yaml:"mdef"`
	Mean   string `yaml:"mean"`
	Var    string `yaml:"var"`
	TMat   string `yaml:"tmat"`
	Mixw   string `yaml:"mixw"`
	Sendump string `yaml:"sendump"`

	Dict  string `yaml:"dict"`
	FDict string `yaml:"fdict"`

	LDA        string `yaml:"lda"`
	FeatParams string `yaml:"feat_params"`
	SenMGau    string `yaml:"sen_mgau"`

	// LMPath is a single N-Gram language model used by both fwdtree and
	// fwdflat unless FwdtreeLM/LMCtlPath override it.
	LMPath string `yaml:"lm_path"`

	// LMCtlPath, if set, names an LM set/control file instead of a single
	// LMPath; LMName selects the active LM within it.
	LMCtlPath string `yaml:"lm_ctl_path"`
	LMName    string `yaml:"lm_name"`

	// FwdtreeLM overrides LMPath for the tree-lexicon pass only, letting
	// fwdtree run a cheaper low-order LM while fwdflat re-scores with a
	// higher-order one.
	FwdtreeLM string `yaml:"fwdtree_lm"`

	// VocabMapPath optionally maps fwdflat's restricted vocabulary to a
	// wider set of surface forms (e.g. multiwords expanding to a
	// sub-sequence).
	VocabMapPath string `yaml:"vocab_map_path"`
}

// DecoderConfig holds every search-tuning option the decoder recognizes.
type DecoderConfig struct {
	// Beam is the fwdtree channel-pruning beam (log-domain, negative).
	Beam float64 `yaml:"beam"`
	// WordBeam is the fwdtree word-exit pruning beam.
	WordBeam float64 `yaml:"word_beam"`
	// PhoneBeam is the phone-exit pruning beam. It is defaulted and
	// validated, but no search pass reads it.
	PhoneBeam float64 `yaml:"phone_beam"`
	// LPBeam is the last-phone channel pruning beam. It is defaulted and
	// validated, but no search pass reads it.
	LPBeam float64 `yaml:"lp_beam"`
	// LPOnlyBeam is the pruning beam for last-phone-only words. It is
	// defaulted and validated, but no search pass reads it.
	LPOnlyBeam float64 `yaml:"lp_only_beam"`

	// FwdflatBeam is fwdflat's channel-pruning beam.
	FwdflatBeam float64 `yaml:"fwdflat_beam"`
	// FwdflatWBeam is fwdflat's word-exit pruning beam.
	FwdflatWBeam float64 `yaml:"fwdflat_word_beam"`
	// FwdflatSFWin is the source-frame window half-width fwdflat waits for
	// before processing a frame's proposed words.
	FwdflatSFWin int `yaml:"fwdflat_sf_win"`
	// FwdflatEFWid is the fwdflat minimum end-frame width. It is loaded,
	// but no search pass reads it.
	FwdflatEFWid int `yaml:"fwdflat_ef_wid"`
	// FwdflatLW is the language weight applied during fwdflat re-scoring.
	FwdflatLW float64 `yaml:"fwdflat_lw"`

	// MaxWPF caps the number of word exits kept per frame after pruning.
	MaxWPF int `yaml:"max_wpf"`
	// MaxHMMPF caps the number of active HMMs per frame (adaptive beam
	// target).
	MaxHMMPF int `yaml:"max_hmm_pf"`
	// MaxSilFrames is the silence-run limit in frames. It is loaded, but
	// no search pass reads it; silence runs are not capped.
	MaxSilFrames int `yaml:"max_sil_frames"`

	// LW is the global language weight.
	LW float64 `yaml:"lw"`
	// WordInsertionPenalty is added (in log domain) at every word
	// transition.
	WordInsertionPenalty float64 `yaml:"word_insertion_penalty"`
	// NewWordPenalty is added when a candidate word enters its last phone.
	NewWordPenalty float64 `yaml:"new_word_penalty"`
	// PhoneInsertionPenalty is added per phone transition inside a word.
	PhoneInsertionPenalty float64 `yaml:"phone_insertion_penalty"`
	// SilenceProbability/FillerProbability bias filler/silence word
	// transitions.
	SilenceProbability float64 `yaml:"silence_probability"`
	FillerProbability  float64 `yaml:"filler_probability"`

	// ArcDumpDir names a directory for raw arc-stream dumps. It is loaded,
	// but nothing writes arc dumps to it.
	ArcDumpDir string `yaml:"arc_dump_dir"`
}

// ArchiveConfig controls optional persistence of decode results to
// PostgreSQL (see pkg/latticearchive). Disabled when PostgresDSN is
// empty.
type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the pgvector column width for hypothesis
	// embeddings. Must match whatever produces the vectors.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// LatticeConfig controls lattice generation and output.
type LatticeConfig struct {
	// InitSize is the initial node/link slice capacity reserved per
	// utterance.
	InitSize int `yaml:"init_size"`
	// ComputePosteriors runs the forward/backward pass at end-of-utterance.
	ComputePosteriors bool `yaml:"compute_posteriors"`
	// OutputDir, if set, writes an HTK-style ASCII lattice per utterance.
	OutputDir string `yaml:"output_dir"`
	// DotDir, if set, writes a DOT visualization per utterance.
	DotDir string `yaml:"dot_dir"`
}
