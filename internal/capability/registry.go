package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/platform/partselect"
	"github.com/applianceworks/partsassist-backend/internal/vecindex"
)

// CapabilityError wraps a single failed invocation. It is always recovered
// by the orchestrator into a textual result for the reasoning step.
type CapabilityError struct {
	Capability string
	Cause      error
}

func (e *CapabilityError) Error() string {
	if e == nil {
		return "capability failed"
	}
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Cause)
}

func (e *CapabilityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Result is a structured capability outcome plus the rendered text block
// handed back to the reasoning step.
type Result struct {
	Text     string `json:"text"`
	Data     any    `json:"data,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

// Spec describes one capability to the reasoning step.
type Spec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required_args"`
}

// Registry is the closed set of external lookups a turn may invoke. Indices
// are injected as read-only handles built at process start; a domain whose
// index failed to load is simply absent and its searches fail with a typed
// error instead of serving an empty index. The registry never retries.
type Registry struct {
	log     *logger.Logger
	indices map[kb.Domain]*vecindex.Index
	catalog partselect.Client
	timeout time.Duration
}

func NewRegistry(log *logger.Logger, catalog partselect.Client, indices map[kb.Domain]*vecindex.Index) (*Registry, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog client required")
	}

	timeoutSec := 15
	if v := strings.TrimSpace(os.Getenv("CAPABILITY_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	if indices == nil {
		indices = map[kb.Domain]*vecindex.Index{}
	}
	return &Registry{
		log:     log.With("service", "CapabilityRegistry"),
		indices: indices,
		catalog: catalog,
		timeout: time.Duration(timeoutSec) * time.Second,
	}, nil
}

func (r *Registry) Specs() []Spec {
	return []Spec{
		{
			Name:        NameTroubleshootingSearch,
			Description: "Search the troubleshooting knowledge base for an appliance. Use for general symptom questions without a model or part number.",
			Required:    []string{"appliance", "query"},
		},
		{
			Name:        NamePartLookup,
			Description: "Retrieve full details for a part number: description, pricing, availability, installation info.",
			Required:    []string{"part_number"},
		},
		{
			Name:        NameModelLookup,
			Description: "Retrieve details for an appliance model: manuals, diagrams, videos, parts link.",
			Required:    []string{"model_number"},
		},
		{
			Name:        NameCompatibilityCheck,
			Description: "Check whether a part is compatible with an appliance model.",
			Required:    []string{"model_number", "part_number"},
		},
	}
}

// Invoke dispatches one call under the per-call timeout. Overrun and
// transport failures come back as *CapabilityError; a NotFound lookup is a
// valid Result, not an error.
func (r *Registry) Invoke(ctx context.Context, call Call) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	res, err := r.dispatch(ctx, call)
	if err != nil {
		r.log.Warn("Capability failed",
			"capability", call.Name,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err.Error(),
		)
		return Result{}, &CapabilityError{Capability: call.Name, Cause: err}
	}
	r.log.Debug("Capability served",
		"capability", call.Name,
		"duration_ms", time.Since(started).Milliseconds(),
		"not_found", res.NotFound,
	)
	return res, nil
}

func (r *Registry) dispatch(ctx context.Context, call Call) (Result, error) {
	switch args := call.Args.(type) {
	case TroubleshootingSearchArgs:
		return r.troubleshootingSearch(ctx, args)
	case PartLookupArgs:
		return r.partLookup(ctx, args)
	case ModelLookupArgs:
		return r.modelLookup(ctx, args)
	case CompatibilityCheckArgs:
		return r.compatibilityCheck(ctx, args)
	default:
		return Result{}, fmt.Errorf("unknown capability %q", call.Name)
	}
}

func (r *Registry) troubleshootingSearch(ctx context.Context, args TroubleshootingSearchArgs) (Result, error) {
	index, ok := r.indices[args.Domain]
	if !ok {
		return Result{}, fmt.Errorf("troubleshooting index unavailable for %s", args.Domain)
	}

	matches, err := index.Search(ctx, args.Query, vecindex.DefaultTopK, vecindex.DefaultScoreThreshold)
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{Text: "No relevant documentation found.", NotFound: true}, nil
	}

	for i := range matches {
		rewriteVideoLinks(&matches[i].Document)
	}

	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		b, err := json.Marshal(m)
		if err != nil {
			return Result{}, fmt.Errorf("encode search result: %w", err)
		}
		blocks = append(blocks, string(b))
	}
	return Result{
		Text: strings.Join(blocks, "\n\n---\n\n"),
		Data: matches,
	}, nil
}

func (r *Registry) partLookup(ctx context.Context, args PartLookupArgs) (Result, error) {
	part, err := r.catalog.GetPart(ctx, args.PartNumber)
	if errors.Is(err, errs.ErrNotFound) {
		return Result{
			Text:     fmt.Sprintf("No part found for part number %q.", strings.TrimSpace(args.PartNumber)),
			NotFound: true,
		}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return renderJSON(part)
}

func (r *Registry) modelLookup(ctx context.Context, args ModelLookupArgs) (Result, error) {
	model, err := r.catalog.GetModel(ctx, args.ModelNumber)
	if errors.Is(err, errs.ErrNotFound) {
		return Result{
			Text:     fmt.Sprintf("No model found for model number %q.", strings.TrimSpace(args.ModelNumber)),
			NotFound: true,
		}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return renderJSON(model)
}

func (r *Registry) compatibilityCheck(ctx context.Context, args CompatibilityCheckArgs) (Result, error) {
	compat, err := r.catalog.CheckCompatibility(ctx, args.ModelNumber, args.PartNumber)
	if err != nil {
		return Result{}, err
	}
	return renderJSON(compat)
}

func renderJSON(v any) (Result, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	return Result{Text: string(b), Data: v}, nil
}

// rewriteVideoLinks replaces YouTube thumbnail URLs scraped from symptom
// pages with watchable links.
func rewriteVideoLinks(doc *kb.Document) {
	if doc.Symptom != nil {
		sym := *doc.Symptom
		sym.VideoLink = watchURL(sym.VideoLink)
		doc.Symptom = &sym
	}
	if doc.Parent != nil {
		parent := *doc.Parent
		parent.VideoLink = watchURL(parent.VideoLink)
		doc.Parent = &parent
	}
}

func watchURL(link string) string {
	if !strings.Contains(link, "youtube.com") {
		return link
	}
	parts := strings.Split(strings.TrimRight(link, "/"), "/")
	if len(parts) < 2 {
		return link
	}
	videoID := parts[len(parts)-2]
	if videoID == "" || strings.Contains(videoID, ".") {
		return link
	}
	return "https://www.youtube.com/watch?v=" + videoID
}
