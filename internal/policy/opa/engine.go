package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// decisionQuery is the rule every policy set must define.
const decisionQuery = "data.klimit.rules.decision"

//go:embed policies/*.rego
var embedded embed.FS

// Engine evaluates the rule-based threshold function written in Rego. With
// no policy directory the embedded default policy is used.
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	query, err := e.prepare()
	if err != nil {
		return nil, err
	}
	e.query = query

	source := policyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_dir", source).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies returns file name -> source for every policy module.
func (e *Engine) loadPolicies() (map[string]string, error) {
	var fsys fs.FS = embedded
	pattern := "policies/*.rego"
	if e.policyDir != "" {
		fsys = os.DirFS(e.policyDir)
		pattern = "*.rego"
	}

	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}
	sort.Strings(files)

	e.logger.Debug().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse up front for a clear per-file error.
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[filepath.Join(e.policyDir, file)] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}
	return modules, nil
}

// prepare loads the policies and compiles the decision query.
func (e *Engine) prepare() (rego.PreparedEvalQuery, error) {
	modules, err := e.loadPolicies()
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare decision query: %w", err)
	}
	return query, nil
}

// ruleDecision is the value of data.klimit.rules.decision.
type ruleDecision struct {
	Lock      bool   `json:"lock"`
	LimitType string `json:"limit_type"`
	Reason    string `json:"reason"`
}

// Evaluate implements policy.RuleEvaluator.
func (e *Engine) Evaluate(ctx context.Context, f policy.Facts) (policy.RuleResult, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(buildInput(f)))
	if err != nil {
		return policy.RuleResult{}, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Decision query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.RuleResult{}, fmt.Errorf("no results from decision query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return policy.RuleResult{}, fmt.Errorf("failed to marshal decision: %w", err)
	}
	var d ruleDecision
	if err := json.Unmarshal(resultBytes, &d); err != nil {
		return policy.RuleResult{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	res := policy.RuleResult{Lock: d.Lock, Reason: d.Reason}
	if d.Lock {
		lt, err := category.ParseLimitType(d.LimitType)
		if err != nil {
			return policy.RuleResult{}, fmt.Errorf("policy returned %w", err)
		}
		res.LimitType = lt
	}
	return res, nil
}

// buildInput builds OPA input for a decision
func buildInput(f policy.Facts) map[string]interface{} {
	return map[string]interface{}{
		"category":        f.Category.String(),
		"daily_minutes":   f.DailyMinutes,
		"session_minutes": f.SessionMinutes,
		"unlock_count":    f.UnlockCount,
		"hour":            f.Hour,
		"limits": map[string]interface{}{
			"daily_minutes":   f.Limits.DailyMinutes,
			"session_minutes": f.Limits.SessionMinutes,
			"unlock_limit":    f.Limits.UnlockLimit,
		},
		"peak": map[string]interface{}{
			"start_hour": f.Peak.StartHour,
			"end_hour":   f.Peak.EndHour,
			"multiplier": f.Peak.Multiplier,
		},
	}
}

// Reload reloads all policies. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	query, err := e.prepare()
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}
