package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/lox/aircast/internal/ingest"
	"github.com/lox/aircast/internal/store"
)

// Replay reloads the raw payloads captured by an earlier run without calling
// any provider. Inserts are idempotent, so replaying a loaded run stores
// nothing new; it is for rebuilding a database or re-applying normalization.
func (r *Runner) Replay(ctx context.Context, sourceRunID string) (*Report, error) {
	rep := NewReport(uuid.NewString(), r.now())
	log.Printf("pipeline: replay %s of run %s started", rep.RunID, sourceRunID)

	payloads, err := r.store.RawPayloadsForRun(ctx, sourceRunID)
	if err != nil {
		rep.addErr(err)
		return r.finish(rep)
	}
	if len(payloads) == 0 {
		log.Printf("pipeline: warning: run %s has no stored payloads", sourceRunID)
	}

	for _, p := range payloads {
		if ctx.Err() != nil {
			log.Printf("pipeline: replay interrupted: %v", ctx.Err())
			break
		}
		rep.addFetch(r.replayPayload(ctx, rep, p))
	}
	return r.finish(rep)
}

func (r *Runner) replayPayload(ctx context.Context, rep *Report, p store.RawPayload) FetchResult {
	result := FetchResult{Provider: p.Provider, Entity: p.Entity}

	var (
		records []ingest.Record
		fn      loadFunc
		err     error
	)
	switch p.Provider {
	case ingest.ProviderAQI:
		records, err = ingest.DecodeAQI(p.Body)
		fn = r.loadAirQuality
	case ingest.ProviderWeather:
		records, err = ingest.DecodeWeatherHistory(p.Entity, p.Body)
		fn = r.loadWeather
	default:
		err = fmt.Errorf("unknown provider %q", p.Provider)
	}
	if err != nil {
		result.Outcome = OutcomeSchemaError
		result.Reason = fmt.Sprintf("payload %d: %v", p.ID, err)
		log.Printf("pipeline: replay %s %s: %s", p.Provider, p.Entity, result.Reason)
		rep.addErr(fmt.Errorf("replay payload %d: %w", p.ID, err))
		return result
	}

	result.Parsed = len(records)
	r.load(ctx, rep, fn, records, &result)
	return result
}
