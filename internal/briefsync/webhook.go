package briefsync

import (
	"context"
	"fmt"
	"strings"
)

// WebhookEnvelope is the board's native event envelope. The handshake form
// carries only a challenge; every other delivery carries an event object.
type WebhookEnvelope struct {
	Challenge string         `json:"challenge,omitempty"`
	Event     map[string]any `json:"event,omitempty"`
}

// Dispositions for one inbound delivery. Every disposition except the
// challenge is acknowledged with HTTP success so the upstream never storms
// retries for events that were valid but unusable.
const (
	DispositionChallenge = "challenge"
	DispositionIgnored   = "received-but-ignored"
	DispositionMapped    = "received-and-mapped"
	DispositionQueued    = "received-and-queued"
)

type IngressResult struct {
	Disposition string   `json:"disposition"`
	Challenge   string   `json:"challenge,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Outcome     *Outcome `json:"outcome,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// statusChangeEventTypes are the board event types that represent a status
// column transition. Everything else is acknowledged and ignored.
var statusChangeEventTypes = map[string]bool{
	"change_column_value":        true,
	"update_column_value":        true,
	"change_status_column_value": true,
}

type IngressOptions struct {
	BoardID        string
	StatusColumnID string
	TriggerStatus  string
	Client         BoardClient
	Mapper         BriefingMapper
	Orchestrator   *Orchestrator
	Enricher       *Enricher
}

// Ingress is the webhook-side state machine: filter, fetch, map, enrich
// (best effort), queue.
type Ingress struct {
	boardID        string
	statusColumnID string
	triggerStatus  string
	client         BoardClient
	mapper         BriefingMapper
	orchestrator   *Orchestrator
	enricher       *Enricher
}

func NewIngress(opts IngressOptions) *Ingress {
	return &Ingress{
		boardID:        strings.TrimSpace(opts.BoardID),
		statusColumnID: strings.TrimSpace(opts.StatusColumnID),
		triggerStatus:  strings.TrimSpace(opts.TriggerStatus),
		client:         opts.Client,
		mapper:         opts.Mapper,
		orchestrator:   opts.Orchestrator,
		enricher:       opts.Enricher,
	}
}

// HandleEnvelope processes one delivery. It only returns an error for
// internal store failures; everything event-shaped resolves to a result.
func (in *Ingress) HandleEnvelope(ctx context.Context, envelope WebhookEnvelope) (IngressResult, error) {
	// The handshake must be answered before any other processing.
	if envelope.Challenge != "" {
		return IngressResult{Disposition: DispositionChallenge, Challenge: envelope.Challenge}, nil
	}
	if len(envelope.Event) == 0 {
		return IngressResult{Disposition: DispositionIgnored, Reason: "no event object"}, nil
	}

	eventType := toString(envelope.Event["type"])
	if !statusChangeEventTypes[eventType] {
		return IngressResult{Disposition: DispositionIgnored, Reason: "event type " + eventType + " is not a status change"}, nil
	}
	boardID := toString(envelope.Event["boardId"])
	if in.boardID != "" && boardID != in.boardID {
		return IngressResult{Disposition: DispositionIgnored, Reason: "board " + boardID + " is not the configured board"}, nil
	}
	if in.statusColumnID != "" {
		if columnID := toString(envelope.Event["columnId"]); columnID != "" && columnID != in.statusColumnID {
			return IngressResult{Disposition: DispositionIgnored, Reason: "column " + columnID + " is not the status column"}, nil
		}
	}
	itemID := toString(envelope.Event["pulseId"])
	if itemID == "" {
		itemID = toString(envelope.Event["itemId"])
	}
	if itemID == "" {
		return IngressResult{Disposition: DispositionIgnored, Reason: "event carries no item id"}, nil
	}

	if in.client == nil {
		return IngressResult{Disposition: DispositionIgnored, Reason: "board client not configured"}, nil
	}
	item, err := in.client.FetchItem(ctx, boardID, itemID)
	if err != nil {
		return IngressResult{Disposition: DispositionIgnored, Reason: "item fetch failed: " + err.Error()}, nil
	}

	briefing, err := in.mapper.MapItem(item)
	if err != nil {
		return IngressResult{Disposition: DispositionMapped, Reason: "mapping failed: " + err.Error()}, nil
	}
	if in.triggerStatus != "" && !strings.EqualFold(briefing.Status, in.triggerStatus) {
		return IngressResult{
			Disposition: DispositionMapped,
			Reason:      fmt.Sprintf("status %q does not trigger a sync", briefing.Status),
		}, nil
	}
	if eventTime := toString(envelope.Event["triggerTime"]); eventTime != "" {
		briefing.EventTime = eventTime
	}

	degraded := false
	if in.enricher != nil {
		enrichment := in.enricher.Enrich(ctx, item, briefing)
		if enrichment.Degraded {
			degraded = true
		} else {
			briefing.NodeMapping = enrichment.Mapping
		}
	}

	outcome, err := in.orchestrator.CreateOrQueue(ctx, CreateOrQueueRequest{
		Briefing: briefing,
		BoardID:  boardID,
	})
	if err != nil {
		return IngressResult{}, err
	}
	return IngressResult{
		Disposition: DispositionQueued,
		Outcome:     &outcome,
		Degraded:    degraded,
	}, nil
}

// QueueNow is the manual bulk entry point that bypasses the webhook: fetch
// each referenced item, map it, and hand it to the orchestrator, with
// bounded parallelism against the board API.
func (in *Ingress) QueueNow(ctx context.Context, refs []WorkItemRef, concurrency int) []BulkResult {
	return in.orchestrator.QueueBulk(ctx, refs, func(ctx context.Context, ref WorkItemRef) (Briefing, error) {
		boardID := strings.TrimSpace(ref.BoardID)
		if boardID == "" {
			boardID = in.boardID
		}
		if in.client == nil {
			return Briefing{}, fmt.Errorf("%w: board client", ErrUnconfigured)
		}
		item, err := in.client.FetchItem(ctx, boardID, ref.ItemID)
		if err != nil {
			return Briefing{}, err
		}
		return in.mapper.MapItem(item)
	}, concurrency)
}

// FetchBriefing refetches and maps one work item; the admin retry path uses
// it to rebuild the briefing for a failed job.
func (in *Ingress) FetchBriefing(ctx context.Context, boardID, itemID string) (Briefing, error) {
	if in.client == nil {
		return Briefing{}, fmt.Errorf("%w: board client", ErrUnconfigured)
	}
	if strings.TrimSpace(boardID) == "" {
		boardID = in.boardID
	}
	item, err := in.client.FetchItem(ctx, boardID, itemID)
	if err != nil {
		return Briefing{}, err
	}
	return in.mapper.MapItem(item)
}

func (in *Ingress) Orchestrator() *Orchestrator { return in.orchestrator }

func toString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%v", typed)
	case int:
		return fmt.Sprintf("%d", typed)
	case int64:
		return fmt.Sprintf("%d", typed)
	default:
		return ""
	}
}
