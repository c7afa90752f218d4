package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const (
	diagnosticPreamble       = "You are an expert device diagnostics specialist. Give precise, safe, step-by-step diagnostic procedures with exact commands and menu paths."
	diagnosticTemperature    = 0.3
	diagnosticFailureContent = "I couldn't generate diagnostic steps. Please try again."
	defaultDiagnosticProblem = "General diagnostics"
)

// deviceDiagnosticStrategy produces a structured diagnostic procedure.
// Input: DeviceType (required), DeviceInfo, OS, Problem.
type deviceDiagnosticStrategy struct {
	llm Completer
}

func (s *deviceDiagnosticStrategy) Name() string { return DeviceDiagnostic }

func (s *deviceDiagnosticStrategy) Execute(ctx context.Context, in Input) Outcome {
	deviceType := strings.TrimSpace(in.DeviceType)
	if deviceType == "" {
		return configurationOutcome(DeviceDiagnostic, "device type is required")
	}

	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: diagnosticPreamble},
		{Role: providers.RoleUser, Content: diagnosticPrompt(deviceType, in.DeviceInfo, in.OS, in.Problem)},
	}
	p := payload(in, msgs)
	p.Temperature = floatPtr(diagnosticTemperature)
	resp, err := s.llm.Invoke(ctx, llmclient.OpChat, p)
	if err != nil {
		out := failedOutcome(DeviceDiagnostic, err, diagnosticFailureContent)
		out.DeviceType = deviceType
		return out
	}

	title := orDefault(in.DeviceInfo, deviceType)
	return Outcome{
		Success:      true,
		Content:      fmt.Sprintf("## Diagnostic Steps for %s\n\n%s", strings.TrimSpace(title), resp.Content),
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		DeviceType:   deviceType,
		strategy:     DeviceDiagnostic,
	}
}

func diagnosticPrompt(deviceType, deviceInfo, os, problem string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device Type: %s\n", deviceType)
	fmt.Fprintf(&b, "Device: %s\n", orDefault(deviceInfo, "Not specified"))
	fmt.Fprintf(&b, "Operating System: %s\n", orDefault(os, "Not specified"))
	fmt.Fprintf(&b, "Problem: %s\n\n", orDefault(problem, defaultDiagnosticProblem))
	b.WriteString("Provide a diagnostic procedure with these sections:\n")
	b.WriteString("1. Quick Checks: simple things to verify first.\n")
	b.WriteString("2. Diagnostic Commands: exact commands or menu paths for this operating system.\n")
	b.WriteString("3. Built-in Diagnostic Tools: tools shipped with the device or OS and how to run them.\n")
	b.WriteString("4. What to Look For: readings, error codes or symptoms and what they mean.\n")
	b.WriteString("5. Safety Warnings: steps that risk data loss or hardware damage.\n")
	return b.String()
}
