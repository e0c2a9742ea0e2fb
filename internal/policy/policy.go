// Package policy validates a workflow's handler_config before it is
// allowed to move ready → active, the way the teacher's pkg/policy
// validated infrastructure plans: built-in Rego modules evaluated via
// open-policy-agent/opa's rego package, returning structured violations
// rather than a single pass/fail bool.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/schedule"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

// Violation is one policy denial.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
	Handler string `json:"handler,omitempty"`
}

// Result is the outcome of validating a handler_config.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
}

// regoModule is one named, self-contained Rego policy over a
// handler_config input document.
type regoModule struct {
	name string
	src  string
}

// builtinModules are the handler-config policies every workflow's
// configuration is evaluated against before ready → active.
var builtinModules = []regoModule{
	{
		name: "handler-names-unique",
		src: `package workflowengine.policies.names

import rego.v1

deny contains violation if {
	some i, j
	i != j
	input.handler_names[i] == input.handler_names[j]
	violation := {
		"message": sprintf("duplicate handler name %q", [input.handler_names[i]]),
	}
}`,
	},
	{
		name: "producer-topics-declared",
		src: `package workflowengine.policies.producer_topics

import rego.v1

deny contains violation if {
	some p in input.producers
	count(p.topics) == 0
	violation := {
		"message": sprintf("producer %q must declare at least one topic", [p.handler_name]),
	}
}

deny contains violation if {
	some p in input.producers
	p.script == ""
	violation := {
		"message": sprintf("producer %q must declare a script", [p.handler_name]),
	}
}`,
	},
	{
		name: "consumer-topic-has-producer",
		src: `package workflowengine.policies.consumer_topics

import rego.v1

deny contains violation if {
	some c in input.consumers
	not c.topic in input.all_producer_topics
	violation := {
		"message": sprintf("consumer %q subscribes to topic %q, which no producer publishes", [c.handler_name, c.topic]),
	}
}

deny contains violation if {
	some c in input.consumers
	c.prepare_script == ""
	violation := {
		"message": sprintf("consumer %q must declare a prepare_script", [c.handler_name]),
	}
}

deny contains violation if {
	some c in input.consumers
	c.emit_script == ""
	violation := {
		"message": sprintf("consumer %q must declare an emit_script", [c.handler_name]),
	}
}`,
	},
	{
		name: "producer-frequency-valid",
		src: `package workflowengine.policies.frequency

import rego.v1

deny contains violation if {
	some p in input.producers
	not p.frequency_valid
	violation := {
		"message": sprintf("producer %q has an invalid frequency %q", [p.handler_name, p.frequency]),
	}
}`,
	},
}

// input is the document every builtin module is evaluated against.
type input struct {
	HandlerNames      []string      `json:"handler_names"`
	Producers         []producerDoc `json:"producers"`
	Consumers         []consumerDoc `json:"consumers"`
	AllProducerTopics []string      `json:"all_producer_topics"`
}

type producerDoc struct {
	HandlerName    string   `json:"handler_name"`
	Topics         []string `json:"topics"`
	Script         string   `json:"script"`
	Frequency      string   `json:"frequency"`
	FrequencyValid bool     `json:"frequency_valid"`
}

type consumerDoc struct {
	HandlerName   string `json:"handler_name"`
	Topic         string `json:"topic"`
	PrepareScript string `json:"prepare_script"`
	EmitScript    string `json:"emit_script"`
}

// Validate evaluates cfg against every built-in policy and returns the
// combined result. Any violation makes the config disallowed; the
// caller (the engine API's ready → active transition) rejects the
// transition on Allowed == false.
func Validate(ctx context.Context, cfg model.HandlerConfig) (*Result, error) {
	doc := toInput(cfg)

	result := &Result{Allowed: true}
	for _, m := range builtinModules {
		violations, err := evalModule(ctx, m, doc)
		if err != nil {
			return nil, taxonomy.Wrap(taxonomy.Internal, err, "evaluate policy "+m.name)
		}
		for _, v := range violations {
			result.Violations = append(result.Violations, v)
			result.Allowed = false
		}
	}
	return result, nil
}

func toInput(cfg model.HandlerConfig) input {
	doc := input{}
	topicSet := map[string]bool{}
	for _, p := range cfg.Producers {
		doc.HandlerNames = append(doc.HandlerNames, p.HandlerName)
		_, err := schedule.Next(model.ScheduleSpec{Interval: p.Frequency}, time.Time{})
		doc.Producers = append(doc.Producers, producerDoc{
			HandlerName:    p.HandlerName,
			Topics:         p.Topics,
			Script:         p.Script,
			Frequency:      p.Frequency,
			FrequencyValid: err == nil,
		})
		for _, t := range p.Topics {
			if !topicSet[t] {
				topicSet[t] = true
				doc.AllProducerTopics = append(doc.AllProducerTopics, t)
			}
		}
	}
	for _, c := range cfg.Consumers {
		doc.HandlerNames = append(doc.HandlerNames, c.HandlerName)
		doc.Consumers = append(doc.Consumers, consumerDoc{
			HandlerName:   c.HandlerName,
			Topic:         c.Topic,
			PrepareScript: c.PrepareScript,
			EmitScript:    c.EmitScript,
		})
	}
	return doc
}

func evalModule(ctx context.Context, m regoModule, doc input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(m.src))

	r := rego.New(
		rego.Module(m.name, m.src),
		rego.Query(query),
		rego.Input(doc),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(m.name, d))
			}
		}
	}
	return violations, nil
}

func toViolation(policyName string, raw interface{}) Violation {
	v := Violation{Policy: policyName}
	switch x := raw.(type) {
	case string:
		v.Message = x
	case map[string]interface{}:
		if msg, ok := x["message"].(string); ok {
			v.Message = msg
		}
		if h, ok := x["handler"].(string); ok {
			v.Handler = h
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "workflowengine.policies"
}
