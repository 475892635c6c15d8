package notify

import (
	"bytes"
	"text/template"

	"golang.org/x/text/language"
)

type localized struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

var catalog = map[string]localized{
	"de": {
		subject: template.Must(template.New("s").Parse("Ihre Einladung zur Übertragung Ihrer Befunde")),
		body: template.Must(template.New("b").Parse(
			"Guten Tag,\n\nSie wurden eingeladen, Ihre Befunde in Ihre persönliche Gesundheitsakte zu übertragen.\n" +
				"Bitte öffnen Sie den folgenden Link auf Ihrem Mobiltelefon:\n\n{{.Link}}\n\n" +
				"Bei Fragen erreichen Sie uns unter {{.Contact}}.\n")),
		sms: template.Must(template.New("p").Parse("Ihre PIN lautet {{.Pin}}.")),
	},
	"en": {
		subject: template.Must(template.New("s").Parse("Your invitation to transfer your medical documents")),
		body: template.Must(template.New("b").Parse(
			"Hello,\n\nyou have been invited to transfer your medical documents to your personal health record.\n" +
				"Please open the following link on your mobile phone:\n\n{{.Link}}\n\n" +
				"If you have questions, contact us at {{.Contact}}.\n")),
		sms: template.Must(template.New("p").Parse("Your PIN is {{.Pin}}.")),
	},
}

// Templates renders localized messages. Unknown languages fall back to the default.
type Templates struct {
	fallback string
	contact  string
}

// NewTemplates constructs a renderer. fallbackLang must be one of "de" or "en".
func NewTemplates(fallbackLang, contact string) *Templates {
	if _, ok := catalog[fallbackLang]; !ok {
		fallbackLang = "en"
	}
	return &Templates{fallback: fallbackLang, contact: contact}
}

func (t *Templates) pick(locale string) localized {
	if tag, err := language.Parse(locale); err == nil {
		base, _ := tag.Base()
		if l, ok := catalog[base.String()]; ok {
			return l
		}
	}
	return catalog[t.fallback]
}

// Invitation renders the invitation email for the given link.
func (t *Templates) Invitation(locale, to, link string) (Email, error) {
	l := t.pick(locale)
	data := map[string]string{"Link": link, "Contact": t.contact}
	var subj, body bytes.Buffer
	if err := l.subject.Execute(&subj, data); err != nil {
		return Email{}, err
	}
	if err := l.body.Execute(&body, data); err != nil {
		return Email{}, err
	}
	return Email{To: to, Subject: subj.String(), Body: body.String()}, nil
}

// Pin renders the PIN SMS.
func (t *Templates) Pin(locale, to, pin string) (Sms, error) {
	var body bytes.Buffer
	if err := t.pick(locale).sms.Execute(&body, map[string]string{"Pin": pin}); err != nil {
		return Sms{}, err
	}
	return Sms{To: to, Body: body.String()}, nil
}
