package api

import (
	"errors"
	"fmt"
	"net/http"

	"ride/config"
	"ride/metrics"

	"go.uber.org/zap"
)

// Stage names, in the order DefaultStages assembles them.
const (
	StageJSON       = "json"
	StageURLEncoded = "urlencoded"
	StageCookies    = "cookies"
)

// Stage transforms a request before it reaches a route handler. A stage whose
// preconditions are not met returns the request unchanged.
type Stage interface {
	Name() string
	Transform(r *http.Request) (*http.Request, error)
}

// Pipeline runs its stages in order, each seeing the previous stage's output.
type Pipeline struct {
	stages []Stage
	logger *zap.SugaredLogger
}

// NewPipeline fails when two stages share a name or a stage is nil.
func NewPipeline(logger *zap.SugaredLogger, stages ...Stage) (*Pipeline, error) {
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("pipeline stage %d is nil", i)
		}
		name := s.Name()
		if seen[name] {
			return nil, fmt.Errorf("duplicate pipeline stage %q", name)
		}
		seen[name] = true
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{stages: append([]Stage(nil), stages...), logger: logger}, nil
}

// DefaultStages returns the body and cookie parsers configured from cfg:
// json, then urlencoded, then cookies.
func DefaultStages(cfg *config.Config) []Stage {
	return []Stage{
		NewJSONStage(cfg.API.BodyLimit),
		NewFormStage(cfg.API.BodyLimit, cfg.API.ParameterLimit, cfg.API.FormDepth),
		NewCookieStage(cfg.API.CredentialCookie),
	}
}

// Stages lists stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run applies every stage. The returned error is always a *ParseError or a
// *MalformedBodyError naming the failing stage.
func (p *Pipeline) Run(r *http.Request) (*http.Request, error) {
	for _, s := range p.stages {
		next, err := s.Transform(r)
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				err = &ParseError{Stage: s.Name(), Status: http.StatusBadRequest, Err: err}
			}
			return r, err
		}
		if next != nil {
			r = next
		}
	}
	return r, nil
}

// Middleware runs the pipeline ahead of next and answers stage failures with
// a client error.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parsed, err := p.Run(r)
		if err != nil {
			stage := "unknown"
			var pe *ParseError
			if errors.As(err, &pe) {
				stage = pe.Stage
			}
			metrics.PipelineParseFailures.WithLabelValues(stage).Inc()

			requestID, _ := GetRequestID(r.Context())
			p.logger.Warnw("Request rejected by pipeline",
				"stage", stage,
				"request_id", requestID,
				"path", r.URL.Path,
				"error", err)
			writeError(w, statusFor(err), err.Error(), nil, nil)
			return
		}
		next.ServeHTTP(w, parsed)
	})
}
