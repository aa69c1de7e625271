// Package policy evaluates an optional Rego launch guard before any
// resource is created.
//
// A guard module lives in package launchpad and contributes messages to
// the deny set:
//
//	package launchpad
//
//	deny contains msg if {
//		input.instance_type != "t2.micro"
//		msg := sprintf("instance type %s not allowed", [input.instance_type])
//	}
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrPolicyDenied is returned when the guard produces any deny message.
var ErrPolicyDenied = errors.New("launch denied by policy")

const denyQuery = "data.launchpad.deny"

// Input is the document the guard sees as `input`.
type Input struct {
	Region       string            `json:"region"`
	Image        string            `json:"image"`
	InstanceType string            `json:"instance_type"`
	SubnetID     string            `json:"subnet_id,omitempty"`
	KeyName      string            `json:"key_name"`
	Packages     []string          `json:"packages"`
	Tags         map[string]string `json:"tags"`
}

// Guard holds a compiled deny query.
type Guard struct {
	name   string
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
}

// Load compiles the Rego module at path.
func Load(ctx context.Context, path string) (*Guard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return New(ctx, path, string(data))
}

// New compiles a Rego module from source.
func New(ctx context.Context, name, module string) (*Guard, error) {
	prepared, err := rego.New(
		rego.Query(denyQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}

	return &Guard{
		name:   name,
		query:  prepared,
		tracer: otel.Tracer("github.com/yairfalse/launchpad/policy"),
	}, nil
}

// Check evaluates the guard. It returns an error wrapping ErrPolicyDenied
// listing every deny message, sorted.
func (g *Guard) Check(ctx context.Context, in Input) error {
	ctx, span := g.tracer.Start(ctx, "policy.check",
		trace.WithAttributes(attribute.String("policy.name", g.name)))
	defer span.End()

	rs, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return fmt.Errorf("evaluate policy %s: %w", g.name, err)
	}

	reasons := denyMessages(rs)
	if len(reasons) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("policy.denials", len(reasons)))
	return fmt.Errorf("%w: %s", ErrPolicyDenied, strings.Join(reasons, "; "))
}

func denyMessages(rs rego.ResultSet) []string {
	var out []string
	for _, r := range rs {
		for _, expr := range r.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				out = append(out, fmt.Sprint(v))
			}
		}
	}
	sort.Strings(out)
	return out
}
