package scan

import (
	"formpost/internal/apperr"
	"formpost/internal/engine"
)

// Verdict is the outcome reported to clients.
type Verdict string

const (
	Clean       Verdict = "CLEAN"
	Virus       Verdict = "VIRUS"
	Whitelisted Verdict = "WHITELISTED"
)

// FromEngine maps an engine result onto a verdict. The mapping is total:
// anything that is not exactly clean, whitelisted, or a virus with a
// signature is an engine error.
func FromEngine(res engine.Result) (Verdict, string, error) {
	switch res.Code {
	case engine.CodeClean:
		if res.Signature != "" {
			return "", "", apperr.Errorf(apperr.ErrEngine, "clean result carries signature %q", res.Signature)
		}
		return Clean, "", nil
	case engine.CodeWhitelisted:
		if res.Signature != "" {
			return "", "", apperr.Errorf(apperr.ErrEngine, "whitelisted result carries signature %q", res.Signature)
		}
		return Whitelisted, "", nil
	case engine.CodeVirus:
		if res.Signature == "" {
			return "", "", apperr.Errorf(apperr.ErrEngine, "virus result without signature")
		}
		return Virus, res.Signature, nil
	default:
		return "", "", apperr.Errorf(apperr.ErrEngine, "unknown engine result code %d (%q)", int(res.Code), res.Raw)
	}
}
