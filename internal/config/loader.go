package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued tunables with the defaults the
// decoder has always shipped with, so a config that only overrides
// a handful of knobs still produces a sane pipeline.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}

	d := &cfg.Decoder
	setDefault(&d.Beam, -64)
	setDefault(&d.WordBeam, -16)
	setDefault(&d.PhoneBeam, -16)
	setDefault(&d.LPBeam, -64)
	setDefault(&d.LPOnlyBeam, -64)
	setDefault(&d.FwdflatBeam, -64)
	setDefault(&d.FwdflatWBeam, -16)
	if d.FwdflatSFWin == 0 {
		d.FwdflatSFWin = 25
	}
	setDefault(&d.FwdflatLW, 8.5)
	if d.MaxWPF == 0 {
		d.MaxWPF = 20
	}
	if d.MaxHMMPF == 0 {
		d.MaxHMMPF = 30000
	}
	if d.MaxSilFrames == 0 {
		d.MaxSilFrames = 0 // disabled
	}
	setDefault(&d.LW, 8.5)
	setDefault(&d.WordInsertionPenalty, -3.0)
	setDefault(&d.SilenceProbability, -3.0)
	setDefault(&d.FillerProbability, -8.0)

	if cfg.Lattice.InitSize == 0 {
		cfg.Lattice.InitSize = 1024
	}

	if cfg.Archive.PostgresDSN != "" && cfg.Archive.EmbeddingDimensions == 0 {
		cfg.Archive.EmbeddingDimensions = 256
	}
}

func setDefault(f *float64, def float64) {
	if *f == 0 {
		*f = def
	}
}

// Validate checks that cfg contains a coherent set of values. It returns
// a joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TraceSampleRatio < 0 || cfg.Server.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", cfg.Server.TraceSampleRatio))
	}

	if cfg.Model.LMPath == "" && cfg.Model.LMCtlPath == "" {
		errs = append(errs, errors.New("model: one of lm_path or lm_ctl_path is required"))
	}
	if cfg.Model.LMCtlPath != "" && cfg.Model.LMName == "" {
		errs = append(errs, errors.New("model.lm_name is required when model.lm_ctl_path is set"))
	}

	d := cfg.Decoder
	if d.MaxWPF < 1 {
		errs = append(errs, fmt.Errorf("decoder.max_wpf %d must be >= 1", d.MaxWPF))
	}
	if d.MaxHMMPF < 1 {
		errs = append(errs, fmt.Errorf("decoder.max_hmm_pf %d must be >= 1", d.MaxHMMPF))
	}
	if d.FwdflatSFWin < 1 {
		errs = append(errs, fmt.Errorf("decoder.fwdflat_sf_win %d must be >= 1", d.FwdflatSFWin))
	}
	for _, beam := range []struct {
		name string
		v    float64
	}{
		{"beam", d.Beam}, {"word_beam", d.WordBeam}, {"phone_beam", d.PhoneBeam},
		{"lp_beam", d.LPBeam}, {"lp_only_beam", d.LPOnlyBeam},
		{"fwdflat_beam", d.FwdflatBeam}, {"fwdflat_word_beam", d.FwdflatWBeam},
	} {
		if beam.v > 0 {
			errs = append(errs, fmt.Errorf("decoder.%s %.2f must be <= 0 (beams narrow the search as they go more negative)", beam.name, beam.v))
		}
	}

	if cfg.Lattice.InitSize < 0 {
		errs = append(errs, fmt.Errorf("lattice.init_size %d must be >= 0", cfg.Lattice.InitSize))
	}

	if cfg.Archive.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("archive.embedding_dimensions %d must be >= 0", cfg.Archive.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}
