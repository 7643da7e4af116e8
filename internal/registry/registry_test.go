package registry

import "testing"

func TestForHostFallsBackToDefault(t *testing.T) {
	r := New([]Spec{
		AnthropicSpec("localhost:9000"),
		CopilotSpec("localhost:9001"),
	}, "anthropic")

	if got := r.ForHost("api.anthropic.com"); got.Key != "anthropic" {
		t.Errorf("ForHost(api.anthropic.com) = %q, want anthropic", got.Key)
	}
	if got := r.ForHost("api.githubcopilot.com"); got.Key != "copilot" {
		t.Errorf("ForHost(api.githubcopilot.com) = %q, want copilot", got.Key)
	}
	if got := r.ForHost("example.com"); got.Key != "anthropic" {
		t.Errorf("ForHost(unknown) = %q, want default anthropic", got.Key)
	}
}

func TestForPathMatchesPrefix(t *testing.T) {
	r := New([]Spec{AnthropicSpec("x"), CopilotSpec("y")}, "anthropic")

	spec, ok := r.ForPath("/v1/messages/count_tokens")
	if !ok {
		t.Fatal("expected a match for /v1/messages/count_tokens")
	}
	if spec.Key != "anthropic" {
		t.Errorf("got %q, want anthropic (first registered match)", spec.Key)
	}

	if _, ok := r.ForPath("/unknown"); ok {
		t.Error("expected no match for /unknown")
	}
}

func TestNewPanicsOnMissingDefault(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing default key")
		}
	}()
	New([]Spec{AnthropicSpec("x")}, "copilot")
}
