package config

import "net/url"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	// RPC endpoints commonly embed a provider API key in the path or query.
	out.Chain.RPCURL = redactURL(cfg.Chain.RPCURL)

	redact(&out.Redis.Password)
	redact(&out.Notify.TelegramToken)
	// The webhook URL is itself the credential.
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Chain.SupportedChainIDs = append([]uint64(nil), cfg.Chain.SupportedChainIDs...)
	out.Contracts.TranchedPools = cloneStrings(cfg.Contracts.TranchedPools)
	out.Watch.Borrowers = cloneStrings(cfg.Watch.Borrowers)
	out.Watch.CapitalProviders = cloneStrings(cfg.Watch.CapitalProviders)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of raw and masks everything else.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	if u.Path == "" && u.RawQuery == "" && u.User == nil {
		return raw
	}
	return u.Scheme + "://" + u.Host + "/" + redacted
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
