package service

import (
	"context"

	"listing-gate/internal/alerting"
	"listing-gate/internal/bus"
	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
	"listing-gate/internal/storage"
)

// signalLoop consumes listing and event signals until ctx ends.
func (s *Service) signalLoop(ctx context.Context) error {
	listings, events := s.c.Listings, s.c.EventSignals
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-listings:
			if !ok {
				listings = nil
				continue
			}
			s.HandleListing(ctx, sig)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleListing records sig, starts tracking the instrument and, unless the
// signal repeats an earlier detection, schedules a gate analysis. It blocks
// while every worker is busy.
func (s *Service) HandleListing(ctx context.Context, sig ingest.ListingSignal) {
	log := s.logger.With().Str("symbol", sig.Symbol).Str("venue", sig.Venue).Str("origin", sig.Origin).Logger()

	if err := s.persist(ctx, storage.InsertListingTask(listingRecord(sig))); err != nil {
		log.Error().Err(err).Msg("persist listing signal failed")
	}
	for _, st := range s.c.Streams {
		if st.Venue() != sig.Venue {
			continue
		}
		if err := st.Track(sig.Symbol); err != nil {
			log.Warn().Err(err).Str("stream", st.Name()).Msg("track instrument failed")
		}
	}
	s.publish(ctx, bus.TopicListing, sig)
	if err := s.c.Dispatcher.Dispatch(ctx, alerting.ListingMessage(sig)); err != nil {
		log.Warn().Err(err).Msg("listing notice failed")
	}

	if sig.Duplicate {
		log.Debug().Msg("duplicate listing signal, analysis skipped")
		return
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Warn().Err(err).Msg("analysis not scheduled")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AnalysisTimeout)
		defer cancel()
		s.recordVerdict(actx, s.c.Analyzer.Analyze(actx, sig.Symbol, sig.Venue))
	}()
}

// HandleEvent records a non-listing announcement and routes its alert.
func (s *Service) HandleEvent(ctx context.Context, ev ingest.EventSignal) {
	if err := s.persist(ctx, storage.InsertEventTask(eventRecord(ev))); err != nil {
		s.logger.Error().Err(err).Str("venue", ev.Venue).Str("notice", ev.NoticeID).Msg("persist event failed")
	}
	s.publish(ctx, bus.TopicEvent, ev)
	if err := s.c.Dispatcher.Dispatch(ctx, alerting.EventMessage(ev)); err != nil {
		s.logger.Error().Err(err).Str("venue", ev.Venue).Str("notice", ev.NoticeID).Msg("event alert failed")
	}
}

func (s *Service) recordVerdict(ctx context.Context, res gate.Result) {
	log := s.logger.With().Str("symbol", res.Symbol).Str("venue", res.Venue).Logger()
	if err := s.persist(ctx, storage.InsertGateResultTask(res.Record())); err != nil {
		log.Error().Err(err).Msg("persist gate result failed")
	}
	s.publish(ctx, bus.TopicVerdict, res)
	if err := s.c.Dispatcher.Dispatch(ctx, alerting.VerdictMessage(res)); err != nil {
		log.Error().Err(err).Str("severity", string(res.Severity)).Msg("verdict alert failed")
	}
}

// persist queues a record write. The wait outlives ctx, bounded by
// PersistTimeout.
func (s *Service) persist(ctx context.Context, t storage.Task) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()
	return s.c.Writer.SubmitCritical(pctx, t)
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if err := s.c.Publisher.Publish(ctx, topic, v); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

func listingRecord(sig ingest.ListingSignal) storage.ListingRecord {
	return storage.ListingRecord{
		Symbol:      sig.Symbol,
		Venue:       sig.Venue,
		Origin:      sig.Origin,
		DetectedAt:  sig.DetectedAt,
		ScheduledAt: sig.ScheduledAt,
		Confidence:  sig.Confidence,
		Title:       sig.Title,
		Duplicate:   sig.Duplicate,
	}
}

func eventRecord(ev ingest.EventSignal) storage.EventRecord {
	return storage.EventRecord{
		Symbols:    ev.Symbols,
		Venue:      ev.Venue,
		Category:   string(ev.Category),
		Severity:   ev.Severity,
		Action:     ev.Action,
		Title:      ev.Title,
		NoticeID:   ev.NoticeID,
		URL:        ev.URL,
		DetectedAt: ev.DetectedAt,
	}
}
