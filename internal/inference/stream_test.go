package inference

import (
	"strings"
	"testing"
)

func TestScanEventsCollectsTokensUntilDone(t *testing.T) {
	body := "data: {\"content\":\"Hel\"}\n" +
		"data: {\"content\":\"lo\"}\n" +
		"data: {\"content\":\"\",\"stop\":true,\"stop_reason\":\"eos\"}\n" +
		"data: [DONE]\n"

	var tokens []string
	var lastEvent streamEvent
	err := scanEvents(strings.NewReader(body), func(ev streamEvent) bool {
		if ev.Content != "" {
			tokens = append(tokens, ev.Content)
		}
		lastEvent = ev
		return !ev.Stop
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tokens, "") != "Hello" {
		t.Fatalf("tokens joined = %q, want Hello", strings.Join(tokens, ""))
	}
	if !lastEvent.Stop || lastEvent.StopReason != "eos" {
		t.Fatalf("last event = %+v", lastEvent)
	}
}

func TestScanEventsOpenAIChatShape(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n" +
		"data: [DONE]\n"

	var tokens []string
	err := scanEvents(strings.NewReader(body), func(ev streamEvent) bool {
		if ev.Content != "" {
			tokens = append(tokens, ev.Content)
		}
		return !ev.Stop
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tokens, "") != "hi" {
		t.Fatalf("tokens = %v", tokens)
	}
}
