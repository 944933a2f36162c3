package briefsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BriefingMapper turns a raw board item into the canonical briefing shape.
type BriefingMapper interface {
	MapItem(item BoardItem) (Briefing, error)
}

type MapperOptions struct {
	BatchColumnID  string
	StatusColumnID string
}

// ColumnBriefingMapper reads the batch label and status from configured
// board columns. An item without a batch label cannot be routed and fails
// mapping.
type ColumnBriefingMapper struct {
	batchColumnID  string
	statusColumnID string
}

func NewColumnBriefingMapper(opts MapperOptions) *ColumnBriefingMapper {
	batchColumnID := strings.TrimSpace(opts.BatchColumnID)
	if batchColumnID == "" {
		batchColumnID = "batch"
	}
	statusColumnID := strings.TrimSpace(opts.StatusColumnID)
	if statusColumnID == "" {
		statusColumnID = "status"
	}
	return &ColumnBriefingMapper{batchColumnID: batchColumnID, statusColumnID: statusColumnID}
}

func (m *ColumnBriefingMapper) MapItem(item BoardItem) (Briefing, error) {
	if strings.TrimSpace(item.ID) == "" {
		return Briefing{}, fmt.Errorf("%w: item id", ErrInvalidInput)
	}
	batch := strings.TrimSpace(item.Columns[m.batchColumnID])
	if batch == "" {
		return Briefing{}, fmt.Errorf("%w: item %s has no batch label in column %q", ErrInvalidInput, item.ID, m.batchColumnID)
	}
	payload := make(map[string]any, len(item.Columns))
	for columnID, value := range item.Columns {
		payload[columnID] = value
	}
	return Briefing{
		WorkItemID: item.ID,
		Name:       strings.TrimSpace(item.Name),
		Batch:      batch,
		Status:     strings.TrimSpace(item.Columns[m.statusColumnID]),
		EventTime:  item.UpdatedAt,
		Payload:    payload,
		Images:     DedupeImages(item.Assets),
	}, nil
}

// EnrichmentResult is a value, never an error: enrichment failure degrades
// the flow to payload-only queuing instead of aborting it.
type EnrichmentResult struct {
	Mapping  []NodeAssignment
	Degraded bool
	Reason   string
}

type EnricherOptions struct {
	TemplateKey string
	Templates   TemplateFetcher
	Docs        BoardClient
	Timeout     time.Duration
}

// Enricher produces the optional node-level mapping by matching template
// node names against briefing payload fields and attached document content.
type Enricher struct {
	templateKey string
	templates   TemplateFetcher
	docs        BoardClient
	timeout     time.Duration
}

func NewEnricher(opts EnricherOptions) *Enricher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Enricher{
		templateKey: strings.TrimSpace(opts.TemplateKey),
		templates:   opts.Templates,
		docs:        opts.Docs,
		timeout:     timeout,
	}
}

func (e *Enricher) Enrich(ctx context.Context, item BoardItem, briefing Briefing) EnrichmentResult {
	if e == nil || e.templates == nil || e.templateKey == "" {
		return EnrichmentResult{Degraded: true, Reason: "enrichment not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	template, err := e.templates.FetchTemplate(ctx, e.templateKey)
	if err != nil {
		return EnrichmentResult{Degraded: true, Reason: "template fetch failed: " + err.Error()}
	}

	docContent := ""
	if e.docs != nil && len(item.DocIDs) > 0 {
		content, docErr := e.docs.FetchDocument(ctx, item.DocIDs[0])
		if docErr != nil {
			// Document content is a bonus; column values alone still map.
			docContent = ""
		} else {
			docContent = content
		}
	}

	mapping := make([]NodeAssignment, 0, len(template.NodeNames))
	for _, nodeName := range template.NodeNames {
		value := matchNodeValue(nodeName, briefing, docContent)
		if value == "" {
			continue
		}
		mapping = append(mapping, NodeAssignment{NodeName: nodeName, Value: value})
	}
	if len(mapping) == 0 {
		return EnrichmentResult{Degraded: true, Reason: "no template nodes matched"}
	}
	return EnrichmentResult{Mapping: mapping}
}

// matchNodeValue resolves a template node to briefing content: the item
// name for title nodes, an exact payload field match, else a section of the
// attached document headed by the node name.
func matchNodeValue(nodeName string, briefing Briefing, docContent string) string {
	normalized := normalizeNodeName(nodeName)
	switch normalized {
	case "title", "name", "experimentname":
		return briefing.Name
	case "batch":
		return briefing.Batch
	case "status":
		return briefing.Status
	}
	for field, raw := range briefing.Payload {
		if normalizeNodeName(field) != normalized {
			continue
		}
		if value, ok := raw.(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return docSection(docContent, nodeName)
}

func normalizeNodeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// docSection returns the text under a markdown heading whose title matches
// the node name, up to the next heading.
func docSection(docContent, nodeName string) string {
	if strings.TrimSpace(docContent) == "" {
		return ""
	}
	target := normalizeNodeName(nodeName)
	lines := strings.Split(docContent, "\n")
	var collected []string
	collecting := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if collecting {
				break
			}
			if normalizeNodeName(heading) == target {
				collecting = true
			}
			continue
		}
		if collecting {
			collected = append(collected, line)
		}
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}
