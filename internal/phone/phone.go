// Package phone normalizes patient phone numbers to E.164.
package phone

import (
	"github.com/gofrs/uuid/v5"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// Validator normalizes a number entered for a case.
type Validator interface {
	// Validate returns the E.164 form of number, or ok=false if it is not a valid number.
	Validate(caseID uuid.UUID, number, locale string) (e164 string, ok bool)
}

// LibValidator validates with libphonenumber metadata. The default region comes from the locale.
type LibValidator struct {
	log           *zap.Logger
	defaultRegion string
}

// NewLibValidator constructs a validator. defaultRegion is used when the locale has no region.
func NewLibValidator(log *zap.Logger, defaultRegion string) *LibValidator {
	return &LibValidator{log: log, defaultRegion: defaultRegion}
}

// Validate implements Validator.
func (v *LibValidator) Validate(caseID uuid.UUID, number, locale string) (string, bool) {
	region := Region(locale, v.defaultRegion)
	num, err := phonenumbers.Parse(number, region)
	if err != nil {
		v.log.Info("phone parse failed", zap.String("caseId", caseID.String()), zap.String("region", region))
		return "", false
	}
	if !phonenumbers.IsValidNumber(num) {
		v.log.Info("phone invalid", zap.String("caseId", caseID.String()), zap.String("region", region))
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// Region extracts the ISO region of a BCP-47 locale, falling back to fallback.
func Region(locale, fallback string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return fallback
	}
	r, conf := tag.Region()
	if conf == language.No {
		return fallback
	}
	return r.String()
}
