package policy_test

import (
	"context"
	"testing"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/policy"
)

func TestValidateAllowsWellFormedConfig(t *testing.T) {
	cfg := model.HandlerConfig{
		Producers: []model.ProducerConfig{
			{HandlerName: "p1", Frequency: "5m", Topics: []string{"inbox"}, Script: "publish(topic='inbox', message_id='1', title='t')"},
		},
		Consumers: []model.ConsumerConfig{
			{HandlerName: "c1", Topic: "inbox", PrepareScript: "reserve = []", EmitScript: "pass"},
		},
	}

	result, err := policy.Validate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected a well-formed config to be allowed, got violations: %+v", result.Violations)
	}
}

func TestValidateRejectsDuplicateHandlerNames(t *testing.T) {
	cfg := model.HandlerConfig{
		Producers: []model.ProducerConfig{
			{HandlerName: "dup", Frequency: "5m", Topics: []string{"inbox"}, Script: "pass"},
		},
		Consumers: []model.ConsumerConfig{
			{HandlerName: "dup", Topic: "inbox", PrepareScript: "pass", EmitScript: "pass"},
		},
	}

	result, err := policy.Validate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected duplicate handler names to be rejected")
	}
}

func TestValidateRejectsOrphanConsumerTopic(t *testing.T) {
	cfg := model.HandlerConfig{
		Consumers: []model.ConsumerConfig{
			{HandlerName: "c1", Topic: "nowhere", PrepareScript: "pass", EmitScript: "pass"},
		},
	}

	result, err := policy.Validate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected a consumer subscribed to a topic with no producer to be rejected")
	}
}

func TestValidateRejectsInvalidFrequency(t *testing.T) {
	cfg := model.HandlerConfig{
		Producers: []model.ProducerConfig{
			{HandlerName: "p1", Frequency: "not-a-schedule", Topics: []string{"inbox"}, Script: "pass"},
		},
	}

	result, err := policy.Validate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected an invalid frequency to be rejected")
	}
}
