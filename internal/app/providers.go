package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/config"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/resilience"
	"github.com/noah-isme/backend-farmstay/internal/routing"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

const (
	breakerMinRequests  = 10
	breakerFailureRatio = 0.5
	breakerOpenFor      = 30 * time.Second
)

func newBreaker(name payment.ProviderName, logger zerolog.Logger) *resilience.Breaker {
	return resilience.NewBreaker(breakerMinRequests, breakerFailureRatio, breakerOpenFor).
		WithTarget("payment:" + name.Slug()).
		WithLogger(logger)
}

// NewRegistry registers an adapter, each behind its own breaker, for every
// provider whose credentials are configured. Unconfigured providers are
// skipped; their channels report zero health and are never routed to.
func NewRegistry(pc config.ProvidersConfig, timeout time.Duration, logger zerolog.Logger) (*payment.Registry, error) {
	reg := payment.NewRegistry()
	skip := func(name payment.ProviderName) {
		logger.Warn().Str("provider", name.Slug()).Msg("payment provider not configured; channel disabled")
	}

	if pc.StripeSecretKey != "" && pc.StripeWebhookSecret != "" {
		br := newBreaker(payment.ProviderStripe, logger)
		reg.Register(payment.Stripe{
			BaseURL:       pc.StripeBaseURL,
			SecretKey:     pc.StripeSecretKey,
			WebhookSecret: pc.StripeWebhookSecret,
			HTTP:          payment.NewHTTPClient(br, timeout),
		}, br, routing.ChannelCard)
	} else {
		skip(payment.ProviderStripe)
	}

	if pc.HitPayAPIKey != "" && pc.HitPaySalt != "" {
		br := newBreaker(payment.ProviderHitPay, logger)
		reg.Register(payment.HitPay{
			BaseURL: pc.HitPayBaseURL,
			APIKey:  pc.HitPayAPIKey,
			Salt:    pc.HitPaySalt,
			HTTP:    payment.NewHTTPClient(br, timeout),
		}, br, routing.ChannelHitPay)

		// DuitNow QR rides the HitPay rail; it keeps its own breaker so a
		// failing QR method does not take cards and wallets down with it.
		qr := newBreaker(payment.ProviderDuitNow, logger)
		reg.Register(payment.HitPay{
			BaseURL: pc.HitPayBaseURL,
			APIKey:  pc.HitPayAPIKey,
			Salt:    pc.HitPaySalt,
			Methods: []string{"duitnow"},
			Label:   payment.ProviderDuitNow,
			HTTP:    payment.NewHTTPClient(qr, timeout),
		}, qr, routing.ChannelDuitNow)
	} else {
		skip(payment.ProviderHitPay)
		skip(payment.ProviderDuitNow)
	}

	if pc.FPXBaseURL != "" && pc.FPXMerchantID != "" && pc.FPXSecret != "" {
		br := newBreaker(payment.ProviderFPX, logger)
		reg.Register(payment.FPX{
			BaseURL:    pc.FPXBaseURL,
			MerchantID: pc.FPXMerchantID,
			Secret:     pc.FPXSecret,
			HTTP:       payment.NewHTTPClient(br, timeout),
		}, br, routing.ChannelFPX)
	} else {
		skip(payment.ProviderFPX)
	}

	if pc.TNGBaseURL != "" && pc.TNGPrivateKey != "" && pc.TNGPublicKey != "" {
		priv, err := signature.ParseRSAPrivateKey(pc.TNGPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("tng private key: %w", err)
		}
		pub, err := signature.ParseRSAPublicKey(pc.TNGPublicKey)
		if err != nil {
			return nil, fmt.Errorf("tng public key: %w", err)
		}
		br := newBreaker(payment.ProviderTNG, logger)
		reg.Register(payment.TNG{
			BaseURL:    pc.TNGBaseURL,
			ClientID:   pc.TNGClientID,
			MerchantID: pc.TNGMerchantCode,
			PrivateKey: priv,
			PublicKey:  pub,
			HTTP:       payment.NewHTTPClient(br, timeout),
		}, br, routing.ChannelTNG)
	} else {
		skip(payment.ProviderTNG)
	}

	return reg, nil
}
