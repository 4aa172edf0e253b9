package guard

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/transcript"
)

// Decision is the outcome of one pipeline run for one item.
type Decision struct {
	Accepted bool
	Label    Label
	// Verdict is zero when the oracle was not consulted or failed.
	Verdict oracle.Verdict
	// Validation is set only when ValidateEvidence returned.
	Validation *oracle.ValidationVerdict
	// Err holds the absorbed oracle failure for LabelOracleError and
	// LabelValidationError.
	Err error
	// OracleCalls counts round trips made, 0 to 2.
	OracleCalls int
}

func reject(label Label) Decision { return Decision{Label: label} }

// Pipeline runs the ordered gates for an item.
type Pipeline struct {
	th           Thresholds
	gates        []Gate
	contextChars int
	logger       *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Gate rejections log at trace level.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithContextChars limits the transcript tail sent to Classify. Zero sends
// the full window.
func WithContextChars(n int) Option {
	return func(p *Pipeline) { p.contextChars = n }
}

// New builds a pipeline with the given thresholds.
func New(th Thresholds, opts ...Option) *Pipeline {
	p := &Pipeline{
		th:     th,
		gates:  VerdictGates(th),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Thresholds returns the pipeline thresholds.
func (p *Pipeline) Thresholds() Thresholds { return p.th }

// PreOracle runs the gates that need no oracle call: context sufficiency and
// the keyword prefilter.
func (p *Pipeline) PreOracle(item checklist.Item, window string) (Label, bool) {
	if len([]rune(strings.TrimSpace(window))) < p.th.MinContextChars {
		return LabelInsufficientContext, false
	}
	if !IsPlausible(window, item) {
		return LabelPrefilterFailed, false
	}
	return "", true
}

// CheckVerdict runs the deterministic verdict gates and returns the label of
// the first rejecting gate.
func (p *Pipeline) CheckVerdict(item checklist.Item, v oracle.Verdict) (Label, bool) {
	for _, g := range p.gates {
		if !g.Pass(item, v) {
			return g.Label(), false
		}
	}
	return "", true
}

// Evaluate runs every gate for item against window, calling client for the
// classification and the re-validation. Oracle failures are absorbed into
// the returned Decision; Evaluate never returns an error.
func (p *Pipeline) Evaluate(ctx context.Context, client oracle.Client, item checklist.Item, window string) Decision {
	if label, ok := p.PreOracle(item, window); !ok {
		p.trace(ctx, item, label)
		return reject(label)
	}

	excerpt := window
	if p.contextChars > 0 {
		excerpt = transcript.Tail(window, p.contextChars)
	}

	v, err := client.Classify(ctx, item, excerpt)
	if err != nil {
		p.trace(ctx, item, LabelOracleError, zap.Error(err))
		return Decision{Label: LabelOracleError, Err: err, OracleCalls: 1}
	}
	d := Decision{Verdict: v, OracleCalls: 1}

	if label, ok := p.CheckVerdict(item, v); !ok {
		d.Label = label
		p.trace(ctx, item, label, zap.Float64("confidence", v.Confidence))
		return d
	}

	if v.Confidence < p.th.RevalidateConfidence {
		d.Label = LabelLowConfidence
		return d
	}

	val, err := client.ValidateEvidence(ctx, item, v.Evidence, v.Rationale)
	d.OracleCalls++
	if err != nil {
		d.Label, d.Err = LabelValidationError, err
		p.trace(ctx, item, d.Label, zap.Error(err))
		return d
	}
	d.Validation = &val
	if !val.Valid {
		d.Label = LabelValidationFailed
		p.trace(ctx, item, d.Label, zap.String("explanation", val.Explanation))
		return d
	}

	d.Accepted, d.Label = true, LabelAccepted
	return d
}

func (p *Pipeline) trace(ctx context.Context, item checklist.Item, label Label, fields ...zap.Field) {
	if ce := p.logger.Check(logging.TraceLevel, "gate rejected item"); ce != nil {
		fields = append(fields, zap.String("item_id", item.ID), zap.String("label", string(label)))
		ce.Write(append(logging.ContextFields(ctx), fields...)...)
	}
}
