package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"listing-gate/internal/app"
)

var (
	simulateSymbol   string
	simulateVenue    string
	simulateDomestic float64
	simulateGlobal   float64
	simulateVolume   float64
	simulateFX       float64
	simulateFXSource string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用给定价格模拟一次上币判定并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDomestic <= 0 || simulateGlobal <= 0 {
			return errors.New("--domestic 与 --global 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:          simulateSymbol,
			Venue:           simulateVenue,
			DomesticKRW:     decimal.NewFromFloat(simulateDomestic),
			GlobalUSD:       decimal.NewFromFloat(simulateGlobal),
			GlobalVolumeUSD: decimal.NewFromFloat(simulateVolume),
			FXRate:          decimal.NewFromFloat(simulateFX),
			FXSource:        simulateFXSource,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "上币标的，例如 XYZ")
	simulateCmd.Flags().StringVar(&simulateVenue, "venue", "upbit", "国内交易所 (upbit, bithumb)")
	simulateCmd.Flags().Float64Var(&simulateDomestic, "domestic", 0, "国内价格 (KRW)")
	simulateCmd.Flags().Float64Var(&simulateGlobal, "global", 0, "海外参考价 (USD)")
	simulateCmd.Flags().Float64Var(&simulateVolume, "global-volume", 1_000_000, "海外 24h 成交额 (USD)")
	simulateCmd.Flags().Float64Var(&simulateFX, "fx", 0, "KRW/USD 汇率，0 表示使用兜底汇率")
	simulateCmd.Flags().StringVar(&simulateFXSource, "fx-source", "btc_implied", "汇率来源标签")
}
