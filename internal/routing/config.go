package routing

import (
	"fmt"
	"strings"

	"github.com/noah-isme/backend-farmstay/internal/config"
)

// FromConfig builds the router rule set from application configuration.
func FromConfig(rc config.RoutingConfig) (Config, error) {
	cfg := Config{
		HomeCountry:             rc.HomeCountry,
		HomeCurrency:            rc.HomeCurrency,
		SmallAmountThreshold:    rc.SmallAmountThreshold,
		MidAmountThreshold:      rc.MidAmountThreshold,
		InternationalChannel:    ChannelCard,
		WalletChannel:           ChannelTNG,
		BankTransferChannel:     ChannelFPX,
		InternationalConfidence: rc.InternationalConfidence,
		BaseSuccessRates:        make(map[Channel]float64, len(rc.BaseSuccessRates)),
	}
	for _, name := range rc.MidTierChannels {
		ch, ok := ParseChannel(name)
		if !ok {
			return Config{}, fmt.Errorf("routing: unknown mid-tier channel %q", name)
		}
		cfg.MidTier = append(cfg.MidTier, ch)
	}
	for name, rate := range rc.BaseSuccessRates {
		ch, ok := ParseChannel(name)
		if !ok {
			return Config{}, fmt.Errorf("routing: unknown channel %q in base success rates", name)
		}
		cfg.BaseSuccessRates[ch] = rate
	}
	for _, entry := range rc.FPXBanks {
		bank, err := parseBank(entry)
		if err != nil {
			return Config{}, err
		}
		cfg.Banks = append(cfg.Banks, bank)
	}
	return cfg, nil
}

// parseBank reads "CODE:Name:flags", flags being a "+" separated subset of online and b2b.
func parseBank(entry string) (Bank, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return Bank{}, fmt.Errorf("routing: malformed bank entry %q", entry)
	}
	bank := Bank{Code: strings.TrimSpace(parts[0]), Name: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		for _, flag := range strings.Split(parts[2], "+") {
			switch strings.ToLower(strings.TrimSpace(flag)) {
			case "online":
				bank.Online = true
			case "b2b":
				bank.B2B = true
			}
		}
	}
	return bank, nil
}
