package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"listing-gate/internal/alerting"
	"listing-gate/internal/fetcher"
	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
)

// SimulateOptions are the fixed market inputs for a simulated verdict.
type SimulateOptions struct {
	Symbol          string
	Venue           string
	DomesticKRW     decimal.Decimal
	GlobalUSD       decimal.Decimal
	GlobalVolumeUSD decimal.Decimal
	FXRate          decimal.Decimal
	FXSource        string
}

// SimulateAlert 通过给定的国内/海外价格模拟一次 gate 判定与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}
	if opts.Venue == "" {
		opts.Venue = ingest.VenueUpbit
	}
	if opts.FXSource == "" {
		opts.FXSource = fetcher.FXBTCImplied
	}

	analyzer, err := gate.New(a.gateConfig(), gate.Deps{
		Domestic: staticDomestic{price: opts.DomesticKRW},
		Global:   staticGlobal{quote: fetcher.GlobalQuote{PriceUSD: opts.GlobalUSD, VolumeUSD: opts.GlobalVolumeUSD, Sources: []string{"simulated"}}},
		FX:       staticFX{rate: fetcher.FXRate{Rate: opts.FXRate, Source: opts.FXSource}},
	}, a.Logger)
	if err != nil {
		return err
	}

	res := analyzer.Analyze(ctx, opts.Symbol, opts.Venue)
	msg := alerting.VerdictMessage(res)
	fmt.Fprintln(os.Stdout, msg.Text)

	f := a.newFetchers()
	dispatcher := alerting.NewDispatcher(a.newNotifier(f.client), nil, alerting.DispatcherOptions{
		DebounceWindow:   a.Config.Alerting.DebounceWindow,
		LowBatchInterval: a.Config.Alerting.LowBatchInterval,
	}, a.Logger)
	if err := dispatcher.Dispatch(ctx, msg); err != nil {
		return err
	}
	return dispatcher.Flush(ctx)
}

type staticDomestic struct {
	price decimal.Decimal
}

func (s staticDomestic) FetchDomestic(context.Context, string, string) (decimal.Decimal, error) {
	if !s.price.IsPositive() {
		return decimal.Zero, fetcher.ErrNoPrice
	}
	return s.price, nil
}

type staticGlobal struct {
	quote fetcher.GlobalQuote
}

func (s staticGlobal) FetchGlobal(context.Context, string) (fetcher.GlobalQuote, error) {
	if !s.quote.PriceUSD.IsPositive() {
		return fetcher.GlobalQuote{}, fetcher.ErrNoPrice
	}
	return s.quote, nil
}

type staticFX struct {
	rate fetcher.FXRate
}

func (s staticFX) FetchFX(context.Context) (fetcher.FXRate, error) {
	if !s.rate.Rate.IsPositive() {
		return fetcher.FXRate{Rate: decimal.NewFromInt(fetcher.HardcodedRate), Source: fetcher.FXHardcoded}, nil
	}
	return s.rate, nil
}

var (
	_ fetcher.DomesticPriceFetcher = staticDomestic{}
	_ fetcher.GlobalPriceFetcher   = staticGlobal{}
	_ fetcher.FXFetcher            = staticFX{}
)
