// Package importer ingests batches of ticket submissions from JSON
// files. Every item is validated against a schema before it reaches
// the store; items that fail are quarantined, never dropped.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/robustness"
)

const submissionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["duplicate_guard", "message"],
	"properties": {
		"duplicate_guard": {"type": "string", "minLength": 1, "maxLength": 128},
		"priority": {"type": "integer", "minimum": 0, "maximum": 4},
		"error_type": {"type": "string"},
		"source": {"type": "string"},
		"message": {"type": "string", "minLength": 1},
		"stack_trace": {"type": "string"},
		"run_label": {"type": "string"},
		"owner": {"type": "string"},
		"branch": {"type": "string"}
	},
	"additionalProperties": false
}`

// Result summarizes one import run. Deferred items reached neither the
// tickets table nor quarantine; they sit in the fallback queue until
// the store recovers.
type Result struct {
	Created     int
	Duplicates  int
	Quarantined int
	Throttled   int
	Deferred    int
}

// Importer validates and loads submission batches.
type Importer struct {
	repo   *persistence.Repository
	robust *robustness.Manager
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New compiles the submission schema and returns a ready importer.
// robust may be nil; invalid items are then counted but only logged.
func New(repo *persistence.Repository, robust *robustness.Manager, logger *slog.Logger) (*Importer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchema))
	if err != nil {
		return nil, fmt.Errorf("parse submission schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submission.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return &Importer{repo: repo, robust: robust, schema: schema, logger: logger}, nil
}

// ImportFile loads a JSON array of submissions from path.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()
	return im.Import(ctx, f, path)
}

// Import reads a JSON array of submissions from r. source names the
// batch in logs and quarantine records. The batch is not transactional:
// each valid item lands independently, so one bad entry never blocks
// the rest.
func (im *Importer) Import(ctx context.Context, r io.Reader, source string) (*Result, error) {
	doc, err := jsonschema.UnmarshalJSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse import batch: %w", err)
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("import batch must be a JSON array, got %T", doc)
	}

	res := &Result{}
	for i, item := range items {
		if err := im.schema.Validate(item); err != nil {
			im.quarantine(ctx, source, i, item, err)
			res.Quarantined++
			continue
		}

		raw, err := json.Marshal(item)
		if err != nil {
			im.quarantine(ctx, source, i, item, err)
			res.Quarantined++
			continue
		}
		var sub persistence.Submission
		if err := json.Unmarshal(raw, &sub); err != nil {
			im.quarantine(ctx, source, i, item, err)
			res.Quarantined++
			continue
		}

		_, created, err := im.repo.Create(ctx, sub)
		switch {
		case err == nil && created:
			res.Created++
		case err == nil:
			res.Duplicates++
		case errors.Is(err, persistence.ErrThrottled):
			res.Throttled++
			im.logger.Warn("import throttled", "source", source, "index", i)
		case persistence.IsValidation(err):
			// Schema-valid but store-invalid, e.g. an oversized field.
			im.quarantine(ctx, source, i, item, err)
			res.Quarantined++
		case persistence.IsTransient(err):
			// The store is unreachable right now; the submission must
			// not be lost with it. The capture write gets its own
			// deadline because the caller's may already be spent.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			entryID, ferr := im.repo.EnqueueFallback(fctx, "create", sub)
			cancel()
			if ferr != nil {
				return res, fmt.Errorf("import item %d: %w", i, err)
			}
			res.Deferred++
			im.logger.Warn("import item deferred to fallback queue",
				"source", source, "index", i, "entry_id", entryID)
		default:
			return res, fmt.Errorf("import item %d: %w", i, err)
		}
	}

	im.logger.Info("import finished", "source", source,
		"created", res.Created, "duplicates", res.Duplicates,
		"quarantined", res.Quarantined, "throttled", res.Throttled,
		"deferred", res.Deferred)
	return res, nil
}

func (im *Importer) quarantine(ctx context.Context, source string, index int, item any, cause error) {
	content, _ := json.Marshal(item)
	ref := fmt.Sprintf("%s[%d]", source, index)
	if im.robust == nil {
		im.logger.Warn("invalid import item dropped from batch",
			"item", ref, "error", cause)
		return
	}
	if _, err := im.robust.QuarantineEntry(ctx, ref, cause.Error(), string(content)); err != nil {
		im.logger.Error("quarantine failed", "item", ref, "error", err)
	}
}
