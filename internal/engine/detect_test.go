package engine

import "testing"

func TestDetect_ReturnsOllama(t *testing.T) {
	e, err := Detect(DetectConfig{OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}
}

func TestDetect_EmptyURL(t *testing.T) {
	if _, err := Detect(DetectConfig{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
