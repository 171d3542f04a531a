// Command msdecode is the multisphinx batch decoder: it reads feature
// files (one utterance per file, one whitespace-separated feature vector
// per line), runs each through the fwdtree → fwdflat → latgen pipeline,
// and prints the best hypothesis. Lattice/DOT output and PostgreSQL
// archiving are controlled by the config file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msphinx/multisphinx/internal/config"
	"github.com/msphinx/multisphinx/internal/observe"
	"github.com/msphinx/multisphinx/internal/resilience"
	"github.com/msphinx/multisphinx/internal/search/fwdflat"
	"github.com/msphinx/multisphinx/internal/searchfactory"
	"github.com/msphinx/multisphinx/pkg/acmod/featscore"
	"github.com/msphinx/multisphinx/pkg/dict/textdict"
	"github.com/msphinx/multisphinx/pkg/dict2pid/synth"
	"github.com/msphinx/multisphinx/pkg/featbuf"
	"github.com/msphinx/multisphinx/pkg/latticearchive"
	"github.com/msphinx/multisphinx/pkg/ngram"
	"github.com/msphinx/multisphinx/pkg/ngram/arpa"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	profile := flag.String("profile", "default", "pruning profile: default, fast, or accurate")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "msdecode: no feature files given\nusage: msdecode -config config.yaml [-profile fast] utt1.feat [utt2.feat ...]")
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "msdecode: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "msdecode: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Pruning profile ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	decoder, err := reg.Create(*profile, cfg.Decoder)
	if err != nil {
		slog.Error("unknown pruning profile", "profile", *profile, "known", reg.Names())
		return 1
	}
	cfg.Decoder = decoder

	slog.Info("msdecode starting",
		"config", *configPath,
		"profile", *profile,
		"utterances", flag.NArg(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "msdecode",
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	if cfg.Server.ListenAddr != "" {
		go serveDebug(cfg.Server, metrics)
	}

	// ── Collaborators ─────────────────────────────────────────────────────────
	dict, err := textdict.Load(cfg.Model.Dict, cfg.Model.FDict)
	if err != nil {
		slog.Error("failed to load dictionary", "err", err)
		return 1
	}
	slog.Info("dictionary loaded", "words", dict.NumWords(), "phones", dict.NumPhones())

	flatLM, treeLM, err := loadLMs(cfg.Model, dict.WordID)
	if err != nil {
		slog.Error("failed to load language model", "err", err)
		return 1
	}

	var vocabMap fwdflat.VocabMap
	if cfg.Model.VocabMapPath != "" {
		vm, skipped, err := fwdflat.LoadVocabMap(cfg.Model.VocabMapPath, dict.WordID)
		if err != nil {
			slog.Error("failed to load vocabulary map", "err", err)
			return 1
		}
		if skipped > 0 {
			slog.Warn("vocabulary map has unknown expansion words", "skipped", skipped)
		}
		vocabMap = vm
	}

	feats := featbuf.New()
	collab := searchfactory.Collaborators{
		Dict:     dict,
		D2P:      synth.New(dict.NumPhones()),
		AM:       featscore.New(feats),
		TreeLM:   treeLM,
		FlatLM:   flatLM,
		VocabMap: vocabMap,
	}

	pipeline, err := searchfactory.New(cfg, collab, searchfactory.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build search pipeline", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := pipeline.Shutdown(shutdownCtx); err != nil {
			slog.Warn("pipeline shutdown error", "err", err)
		}
	}()

	// ── Archive (optional) ────────────────────────────────────────────────────
	var archive *latticearchive.Store
	if cfg.Archive.PostgresDSN != "" {
		archive, err = latticearchive.NewStore(ctx, cfg.Archive.PostgresDSN, cfg.Archive.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect utterance archive", "err", err)
			return 1
		}
		defer archive.Close()
		slog.Info("utterance archive connected")
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if len(d.RestartRequired) > 0 {
			slog.Warn("config change requires restart, ignoring", "fields", d.RestartRequired)
		}
		if d.TunablesChanged {
			pipeline.ApplyDecoderConfig(d.NewDecoder)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Decode ────────────────────────────────────────────────────────────────
	for _, path := range flag.Args() {
		if ctx.Err() != nil {
			slog.Info("interrupted, stopping")
			return 1
		}
		if err := decodeFile(ctx, pipeline, feats, dict, archive, path); err != nil {
			if searchfactory.IsCanceled(err) {
				slog.Info("decode canceled", "file", path)
				return 1
			}
			slog.Error("decode failed", "file", path, "err", err)
			return 1
		}
	}
	return 0
}

// decodeFile feeds one feature file into the shared feature buffer while
// the pipeline decodes it, then reports and optionally archives the
// result.
func decodeFile(ctx context.Context, pipeline *searchfactory.Pipeline, feats *featbuf.Buffer, d *textdict.Dictionary, archive *latticearchive.Store, path string) error {
	frames, err := readFeatures(path)
	if err != nil {
		return err
	}
	uttID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	feats.StartUtt(uttID)
	go func() {
		for _, f := range frames {
			if err := feats.Append(f); err != nil {
				return
			}
		}
		feats.EndUtt()
	}()

	res, err := pipeline.DecodeUtt(ctx, uttID)
	if err != nil {
		return err
	}

	text := hypothesisText(d, res)
	fmt.Printf("%s: %s (score %d, %d frames, %v)\n",
		res.UttID, text, res.Flat.TotalScore, len(frames), res.Duration.Round(time.Millisecond))

	if archive != nil {
		var htk strings.Builder
		if res.Lattice != nil {
			if err := res.Lattice.WriteHTK(&htk, d.WordString); err != nil {
				slog.Warn("lattice serialization failed", "utt", res.UttID, "err", err)
			}
		}
		err := archive.SaveUtterance(ctx, latticearchive.Utterance{
			UttID:      res.UttID,
			Hypothesis: text,
			TotalScore: int64(res.Flat.TotalScore),
			NumFrames:  len(frames),
			NumWords:   len(res.Flat.Segments),
			LatticeHTK: htk.String(),
		})
		if err != nil {
			slog.Warn("archive write failed", "utt", res.UttID, "err", err)
		}
	}
	return nil
}

// hypothesisText renders the flat pass's non-filler words as a plain
// string, the "no hypothesis" case included.
func hypothesisText(d *textdict.Dictionary, res searchfactory.Result) string {
	var words []string
	for _, seg := range res.Flat.Segments {
		if d.IsFiller(seg.Word) {
			continue
		}
		words = append(words, d.WordString(seg.Word))
	}
	if len(words) == 0 {
		return "(no hypothesis)"
	}
	return strings.Join(words, " ")
}

// readFeatures parses a feature file: one frame per line, whitespace-
// separated float components. Blank lines and # comments are skipped.
func readFeatures(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open features %q: %w", path, err)
	}
	defer f.Close()

	var frames [][]float32
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		frame := make([]float32, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: bad feature value %q: %w", path, line, field, err)
			}
			frame[i] = float32(v)
		}
		frames = append(frames, frame)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read features %q: %w", path, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("feature file %q contains no frames", path)
	}
	return frames, nil
}

// loadLMs loads the flat-pass language model (and the tree-pass override
// when configured). When both a primary LM and a fwdtree LM are on disk,
// the smaller tree LM doubles as the fallback candidate for the flat
// pass, so a corrupt primary degrades the decode instead of aborting it.
func loadLMs(mc config.ModelConfig, lookup arpa.Lookup) (flat, tree ngram.Model, err error) {
	if mc.LMCtlPath != "" {
		m, err := arpa.LoadCtl(mc.LMCtlPath, mc.LMName, lookup)
		if err != nil {
			return nil, nil, err
		}
		flat = m
	} else {
		candidates := []resilience.NamedPath{{Name: "lm", Path: mc.LMPath}}
		if mc.FwdtreeLM != "" {
			candidates = append(candidates, resilience.NamedPath{Name: "fwdtree-lm", Path: mc.FwdtreeLM})
		}
		m, err := resilience.LoadWithFallback(candidates, func(path string) (*arpa.Model, error) {
			return arpa.Load(path, lookup)
		}, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: "lm-load"},
		})
		if err != nil {
			return nil, nil, err
		}
		flat = m
	}

	if mc.FwdtreeLM != "" {
		m, err := arpa.Load(mc.FwdtreeLM, lookup)
		if err != nil {
			return nil, nil, fmt.Errorf("fwdtree lm: %w", err)
		}
		tree = m
	}
	return flat, tree, nil
}

// serveDebug runs the metrics/debug HTTP server until the process exits.
func serveDebug(sc config.ServerConfig, m *observe.Metrics) {
	mux := http.NewServeMux()
	mux.Handle(sc.MetricsPath, promhttp.Handler())
	handler := observe.Middleware(m)(mux)
	slog.Info("debug server listening", "addr", sc.ListenAddr, "metrics", sc.MetricsPath)
	if err := http.ListenAndServe(sc.ListenAddr, handler); err != nil {
		slog.Warn("debug server stopped", "err", err)
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
