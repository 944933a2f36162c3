package briefsync

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestIngress(store *JobStore, client BoardClient) *Ingress {
	return NewIngress(IngressOptions{
		BoardID:        "board-1",
		StatusColumnID: "status",
		TriggerStatus:  "Ready for Design",
		Client:         client,
		Mapper:         NewColumnBriefingMapper(MapperOptions{}),
		Orchestrator:   newTestOrchestrator(store, false),
	})
}

func readyItem(id string) BoardItem {
	return BoardItem{
		ID:   id,
		Name: "Checkout copy test",
		Columns: map[string]string{
			"batch":  "March 2026",
			"status": "Ready for Design",
		},
	}
}

func statusChangeEvent(itemID string) WebhookEnvelope {
	return WebhookEnvelope{Event: map[string]any{
		"type":        "change_column_value",
		"boardId":     "board-1",
		"pulseId":     itemID,
		"columnId":    "status",
		"triggerTime": "2026-03-01T00:00:00Z",
	}}
}

func TestHandleEnvelopeChallengeShortCircuits(t *testing.T) {
	ingress := newTestIngress(newTestStore(), nil)
	result, err := ingress.HandleEnvelope(context.Background(), WebhookEnvelope{Challenge: "abc123"})
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionChallenge || result.Challenge != "abc123" {
		t.Fatalf("result %+v", result)
	}
}

func TestHandleEnvelopeQueuesReadyItem(t *testing.T) {
	store := newTestStore()
	ingress := newTestIngress(store, &stubBoardClient{item: readyItem("W-1")})

	result, err := ingress.HandleEnvelope(context.Background(), statusChangeEvent("W-1"))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionQueued || result.Outcome == nil {
		t.Fatalf("result %+v", result)
	}
	if result.Outcome.Status != OutcomeQueued {
		t.Fatalf("outcome %+v", result.Outcome)
	}
	job := result.Outcome.Job
	if job.IdempotencyKey != "briefing:monday:W-1:2026-03-01T00:00:00Z" {
		t.Fatalf("key %q; trigger time must anchor the idempotency key", job.IdempotencyKey)
	}

	// Exact redelivery collapses to the same job.
	again, err := ingress.HandleEnvelope(context.Background(), statusChangeEvent("W-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Outcome.Job.ID != job.ID {
		t.Fatal("redelivery created a second job")
	}
	queued, _ := store.ListByState(JobQueued, 0)
	if len(queued) != 1 {
		t.Fatalf("queued jobs = %d", len(queued))
	}
}

func TestHandleEnvelopeNumericIDsAreAccepted(t *testing.T) {
	store := newTestStore()
	ingress := NewIngress(IngressOptions{
		BoardID:      "4501",
		Client:       &stubBoardClient{item: readyItem("8802")},
		Mapper:       NewColumnBriefingMapper(MapperOptions{}),
		Orchestrator: newTestOrchestrator(store, false),
	})
	// JSON numbers decode as float64; the filter must still match.
	result, err := ingress.HandleEnvelope(context.Background(), WebhookEnvelope{Event: map[string]any{
		"type":    "change_status_column_value",
		"boardId": float64(4501),
		"pulseId": float64(8802),
	}})
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionQueued {
		t.Fatalf("result %+v", result)
	}
}

func TestHandleEnvelopeFilters(t *testing.T) {
	ingress := newTestIngress(newTestStore(), &stubBoardClient{item: readyItem("W-1")})
	ctx := context.Background()

	cases := []struct {
		name     string
		envelope WebhookEnvelope
		want     string
	}{
		{"empty", WebhookEnvelope{}, DispositionIgnored},
		{"wrong type", WebhookEnvelope{Event: map[string]any{"type": "create_pulse", "boardId": "board-1", "pulseId": "W-1"}}, DispositionIgnored},
		{"wrong board", WebhookEnvelope{Event: map[string]any{"type": "change_column_value", "boardId": "board-9", "pulseId": "W-1"}}, DispositionIgnored},
		{"wrong column", WebhookEnvelope{Event: map[string]any{"type": "change_column_value", "boardId": "board-1", "pulseId": "W-1", "columnId": "owner"}}, DispositionIgnored},
		{"no item id", WebhookEnvelope{Event: map[string]any{"type": "change_column_value", "boardId": "board-1"}}, DispositionIgnored},
	}
	for _, tc := range cases {
		result, err := ingress.HandleEnvelope(ctx, tc.envelope)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if result.Disposition != tc.want {
			t.Errorf("%s: disposition %q, want %q (%s)", tc.name, result.Disposition, tc.want, result.Reason)
		}
	}
}

func TestHandleEnvelopeNonTriggerStatusIsMappedOnly(t *testing.T) {
	item := readyItem("W-1")
	item.Columns["status"] = "In Review"
	store := newTestStore()
	ingress := newTestIngress(store, &stubBoardClient{item: item})

	result, err := ingress.HandleEnvelope(context.Background(), statusChangeEvent("W-1"))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionMapped {
		t.Fatalf("result %+v", result)
	}
	if queued, _ := store.ListByState(JobQueued, 0); len(queued) != 0 {
		t.Fatal("non-trigger status queued a job")
	}
}

func TestHandleEnvelopeFetchFailureIsAcknowledged(t *testing.T) {
	ingress := newTestIngress(newTestStore(), &stubBoardClient{itemErr: errors.New("status=503 unavailable")})
	result, err := ingress.HandleEnvelope(context.Background(), statusChangeEvent("W-1"))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionIgnored || !strings.Contains(result.Reason, "item fetch failed") {
		t.Fatalf("result %+v", result)
	}
}

func TestHandleEnvelopeDegradedEnrichmentStillQueues(t *testing.T) {
	store := newTestStore()
	ingress := NewIngress(IngressOptions{
		BoardID:       "board-1",
		TriggerStatus: "Ready for Design",
		Client:        &stubBoardClient{item: readyItem("W-1")},
		Mapper:        NewColumnBriefingMapper(MapperOptions{}),
		Orchestrator:  newTestOrchestrator(store, false),
		Enricher: NewEnricher(EnricherOptions{
			TemplateKey: "tmpl-1",
			Templates:   &stubTemplateFetcher{err: errors.New("status=503 unavailable")},
		}),
	})
	result, err := ingress.HandleEnvelope(context.Background(), statusChangeEvent("W-1"))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if result.Disposition != DispositionQueued || !result.Degraded {
		t.Fatalf("result %+v", result)
	}
	if len(result.Outcome.Job.NodeMapping) != 0 {
		t.Fatalf("degraded enrichment attached a mapping: %+v", result.Outcome.Job.NodeMapping)
	}
}

func TestQueueNowFetchesAndQueues(t *testing.T) {
	store := newTestStore()
	ingress := newTestIngress(store, &stubBoardClient{item: readyItem("W-1")})

	results := ingress.QueueNow(context.Background(), []WorkItemRef{{ItemID: "W-1"}}, 3)
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Outcome.Status != OutcomeQueued {
		t.Fatalf("result %+v", results[0])
	}
	if queued, _ := store.ListByState(JobQueued, 0); len(queued) != 1 {
		t.Fatalf("queued jobs = %d", len(queued))
	}
}

func TestValidateEnvelope(t *testing.T) {
	valid := [][]byte{
		[]byte(`{"challenge":"abc"}`),
		[]byte(`{"event":{"type":"change_column_value","boardId":"board-1","pulseId":"W-1"}}`),
		[]byte(`{"event":{"type":"change_column_value","boardId":4501,"pulseId":8802,"extraField":true}}`),
	}
	for _, body := range valid {
		if err := ValidateEnvelope(body); err != nil {
			t.Errorf("ValidateEnvelope(%s) = %v, want nil", body, err)
		}
	}
	invalid := [][]byte{
		[]byte(`{}`),
		[]byte(`{"event":{}}`),
		[]byte(`{"event":{"type":""}}`),
		[]byte(`{"challenge":42}`),
		[]byte(`{"event":"not an object"}`),
	}
	for _, body := range invalid {
		if err := ValidateEnvelope(body); err == nil {
			t.Errorf("ValidateEnvelope(%s) = nil, want error", body)
		}
	}
}

func TestToString(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{" padded ", "padded"},
		{float64(4501), "4501"},
		{int64(12), "12"},
		{7, "7"},
		{nil, ""},
		{true, ""},
	}
	for _, tc := range cases {
		if got := toString(tc.in); got != tc.want {
			t.Errorf("toString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
