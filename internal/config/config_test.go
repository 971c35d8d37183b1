package config

import "testing"

func TestApplyDefaultsFillsOptionalFields(t *testing.T) {
	c := &UserConfig{}
	c.ApplyDefaults()

	if c.Scheduler.RateDistribution != DistributionConstant {
		t.Fatalf("RateDistribution = %v, want constant", c.Scheduler.RateDistribution)
	}
	if c.Workers.Count != 1 {
		t.Fatalf("Workers.Count = %d, want 1", c.Workers.Count)
	}
	if c.Telemetry.PollInterval == 0 {
		t.Fatalf("PollInterval must default to a nonzero value")
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	c := &UserConfig{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for an empty config")
	}
}

func TestValidateRejectsUnknownSchedulerKind(t *testing.T) {
	c := &UserConfig{
		Endpoint:   EndpointConfig{URL: "http://localhost:8000", Kind: EndpointChat, Model: "m"},
		Scheduler:  SchedulerConfig{Kind: "bogus", Concurrency: 1},
		InputsPath: "/dev/null",
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for an unknown scheduler kind")
	}
}

func TestValidateAcceptsWellFormedConcurrencyConfig(t *testing.T) {
	c := &UserConfig{
		Endpoint:   EndpointConfig{URL: "http://localhost:8000", Kind: EndpointChat, Model: "m"},
		Scheduler:  SchedulerConfig{Kind: SchedulerConcurrency, Concurrency: 4},
		InputsPath: "/dev/null",
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
