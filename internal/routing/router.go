// Package routing selects a payment channel for an amount. The Router is pure:
// every input, including channel health and bank reference data, is passed in.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Channel is a payment rail the router can select.
type Channel string

const (
	ChannelCard    Channel = "card"
	ChannelTNG     Channel = "tng"
	ChannelDuitNow Channel = "duitnow"
	ChannelFPX     Channel = "fpx"
	ChannelHitPay  Channel = "hitpay"
)

// ParseChannel normalises a channel name; ok is false for unknown values.
func ParseChannel(value string) (Channel, bool) {
	switch Channel(strings.ToLower(strings.TrimSpace(value))) {
	case ChannelCard:
		return ChannelCard, true
	case ChannelTNG:
		return ChannelTNG, true
	case ChannelDuitNow:
		return ChannelDuitNow, true
	case ChannelFPX:
		return ChannelFPX, true
	case ChannelHitPay:
		return ChannelHitPay, true
	default:
		return "", false
	}
}

// AllChannels lists every known channel.
func AllChannels() []Channel {
	return []Channel{ChannelCard, ChannelTNG, ChannelDuitNow, ChannelFPX, ChannelHitPay}
}

// BusinessType distinguishes consumer and corporate payers.
type BusinessType string

const (
	B2C BusinessType = "B2C"
	B2B BusinessType = "B2B"
)

// Bank is an FPX participant.
type Bank struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
	B2B    bool   `json:"b2b"`
}

// Config is the immutable rule set. Amounts are minor currency units.
type Config struct {
	HomeCountry          string
	HomeCurrency         string
	SmallAmountThreshold int64
	MidAmountThreshold   int64

	InternationalChannel Channel
	WalletChannel        Channel
	BankTransferChannel  Channel
	// MidTier is scored in declaration order; the first of equal scores wins.
	MidTier []Channel

	BaseSuccessRates        map[Channel]float64
	InternationalConfidence float64
	Banks                   []Bank
}

// Stats is a payer's past outcome on one channel.
type Stats struct {
	Attempts  int
	Successes int
}

// History maps channels to a payer's past outcomes.
type History map[Channel]Stats

// Health maps channels to a 0..1 availability factor. Missing channels count as healthy.
type Health map[Channel]float64

// Request carries everything a routing decision depends on.
type Request struct {
	Amount       int64
	Currency     string
	Country      string
	BusinessType BusinessType
	History      History
}

// Details carries channel specific hints for the checkout page.
type Details struct {
	Banks    []Bank    `json:"banks,omitempty"`
	Fallback []Channel `json:"fallback,omitempty"`
	Scores   []Score   `json:"scores,omitempty"`
}

// Score is a mid-tier channel evaluation.
type Score struct {
	Channel Channel `json:"channel"`
	Value   float64 `json:"value"`
}

// Decision is the router outcome.
type Decision struct {
	Channel              Channel `json:"channel"`
	Details              Details `json:"details"`
	Reason               string  `json:"reason"`
	EstimatedSuccessRate float64 `json:"estimatedSuccessRate"`
}

// Router applies Config to routing requests.
type Router struct {
	cfg Config
}

// NewRouter validates cfg and returns a Router holding a private copy of it.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.HomeCountry == "" || cfg.HomeCurrency == "" {
		return nil, errors.New("routing: home country and currency are required")
	}
	if cfg.SmallAmountThreshold <= 0 || cfg.MidAmountThreshold <= cfg.SmallAmountThreshold {
		return nil, errors.New("routing: thresholds must satisfy 0 < small < mid")
	}
	if cfg.InternationalChannel == "" {
		cfg.InternationalChannel = ChannelCard
	}
	if cfg.WalletChannel == "" {
		cfg.WalletChannel = ChannelTNG
	}
	if cfg.BankTransferChannel == "" {
		cfg.BankTransferChannel = ChannelFPX
	}
	if len(cfg.MidTier) == 0 {
		return nil, errors.New("routing: at least one mid-tier channel is required")
	}
	if cfg.InternationalConfidence <= 0 {
		cfg.InternationalConfidence = 0.6
	}

	rates := make(map[Channel]float64, len(cfg.BaseSuccessRates))
	for ch, rate := range cfg.BaseSuccessRates {
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("routing: base success rate for %s out of range", ch)
		}
		rates[ch] = rate
	}
	cfg.BaseSuccessRates = rates
	cfg.MidTier = append([]Channel(nil), cfg.MidTier...)
	cfg.Banks = append([]Bank(nil), cfg.Banks...)
	cfg.HomeCountry = strings.ToUpper(cfg.HomeCountry)
	cfg.HomeCurrency = strings.ToUpper(cfg.HomeCurrency)
	return &Router{cfg: cfg}, nil
}

// Config returns a copy of the rule set.
func (r *Router) Config() Config {
	return r.cfg
}

// Route picks a channel. Rules are evaluated in order and the first match wins:
// foreign payer, B2B, small amount, mid amount, large amount.
func (r *Router) Route(req Request, health Health) Decision {
	cfg := r.cfg
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if country == "" {
		country = cfg.HomeCountry
	}
	if currency == "" {
		currency = cfg.HomeCurrency
	}

	if country != cfg.HomeCountry || currency != cfg.HomeCurrency {
		return Decision{
			Channel:              cfg.InternationalChannel,
			Details:              Details{Fallback: r.fallback(cfg.InternationalChannel, req, health)},
			Reason:               "international payer",
			EstimatedSuccessRate: cfg.InternationalConfidence,
		}
	}

	if req.BusinessType == B2B {
		return r.bankTransfer(req, health, true, "business payer")
	}

	if req.Amount <= cfg.SmallAmountThreshold {
		ch := cfg.WalletChannel
		return Decision{
			Channel:              ch,
			Details:              Details{Fallback: r.fallback(ch, req, health)},
			Reason:               "small amount",
			EstimatedSuccessRate: r.score(ch, req.History, health),
		}
	}

	if req.Amount <= cfg.MidAmountThreshold {
		scores := r.scoreMidTier(req.History, health)
		best := scores[0]
		for _, s := range scores[1:] {
			if s.Value > best.Value {
				best = s
			}
		}
		details := Details{Scores: scores, Fallback: r.fallback(best.Channel, req, health)}
		if best.Channel == cfg.BankTransferChannel {
			details.Banks = r.banks(false)
		}
		return Decision{
			Channel:              best.Channel,
			Details:              details,
			Reason:               "highest historical success",
			EstimatedSuccessRate: best.Value,
		}
	}

	return r.bankTransfer(req, health, false, "large amount")
}

func (r *Router) bankTransfer(req Request, health Health, b2b bool, reason string) Decision {
	ch := r.cfg.BankTransferChannel
	return Decision{
		Channel:              ch,
		Details:              Details{Banks: r.banks(b2b), Fallback: r.fallback(ch, req, health)},
		Reason:               reason,
		EstimatedSuccessRate: r.score(ch, req.History, health),
	}
}

func (r *Router) scoreMidTier(history History, health Health) []Score {
	scores := make([]Score, 0, len(r.cfg.MidTier))
	for _, ch := range r.cfg.MidTier {
		scores = append(scores, Score{Channel: ch, Value: r.score(ch, history, health)})
	}
	return scores
}

// score is successRate(channel) x health(channel); success rate comes from
// the payer's history when present and the configured base rate otherwise.
func (r *Router) score(ch Channel, history History, health Health) float64 {
	rate := r.cfg.BaseSuccessRates[ch]
	if stats, ok := history[ch]; ok && stats.Attempts > 0 {
		rate = float64(stats.Successes) / float64(stats.Attempts)
	}
	factor := 1.0
	if h, ok := health[ch]; ok {
		factor = clamp(h)
	}
	return rate * factor
}

// fallback orders the remaining known channels by score, keeping declaration
// order between equal scores. Channels with zero health are left out.
func (r *Router) fallback(chosen Channel, req Request, health Health) []Channel {
	seen := map[Channel]struct{}{chosen: {}}
	candidates := make([]Score, 0, len(r.cfg.MidTier)+3)
	add := func(ch Channel) {
		if _, ok := seen[ch]; ok {
			return
		}
		seen[ch] = struct{}{}
		if h, ok := health[ch]; ok && h <= 0 {
			return
		}
		candidates = append(candidates, Score{Channel: ch, Value: r.score(ch, req.History, health)})
	}
	for _, ch := range r.cfg.MidTier {
		add(ch)
	}
	add(r.cfg.BankTransferChannel)
	add(r.cfg.WalletChannel)
	add(r.cfg.InternationalChannel)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Value > candidates[j].Value })

	out := make([]Channel, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Channel)
	}
	return out
}

// banks lists online banks first; for B2B only banks supporting corporate
// accounts are returned. Offline banks are kept at the end for display.
func (r *Router) banks(b2b bool) []Bank {
	out := make([]Bank, 0, len(r.cfg.Banks))
	for _, b := range r.cfg.Banks {
		if b2b && !b.B2B {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Online && !out[j].Online })
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
