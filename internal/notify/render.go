package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// AlertSubject is the subject line of every anomaly email.
const AlertSubject = "Suspicious Transaction Detected"

// Email is a rendered notification ready for a Mailer.
type Email struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

var alertTemplate = template.Must(template.New("alert").Parse(`# Suspicious Transaction Alert

We detected a transaction that looks **unusual** compared to your past spending patterns.

| | |
|---|---|
| **Amount** | {{.Amount}} |
| **Date** | {{.Date}} |
| **Merchant** | {{.Merchant}} |
| **Category** | {{.Category}} |
| **Confidence Unusual** | {{.Confidence}}% |
{{- if .Reason}}
| **Reason** | {{.Reason}} |
{{- end}}

If this was **not you**, please review your account immediately.
`))

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// RenderAlert builds the email for a flagged expense.
func RenderAlert(alert *domain.AnomalyAlert, from string) (*Email, error) {
	fields := struct {
		Amount     string
		Date       string
		Merchant   string
		Category   string
		Confidence int
		Reason     string
	}{
		Amount:     escapeCell(FormatMoney(alert.Amount, alert.Currency)),
		Date:       escapeCell(alert.Date),
		Merchant:   escapeCell(alert.Merchant),
		Category:   escapeCell(alert.Category),
		Confidence: alert.Confidence,
		Reason:     escapeCell(alert.Reason),
	}
	if fields.Merchant == "" {
		fields.Merchant = domain.UnknownMerchant
	}

	var md bytes.Buffer
	if err := alertTemplate.Execute(&md, fields); err != nil {
		return nil, fmt.Errorf("failed to render alert: %w", err)
	}

	var html bytes.Buffer
	if err := markdown.Convert(md.Bytes(), &html); err != nil {
		return nil, fmt.Errorf("failed to convert alert markdown: %w", err)
	}

	return &Email{
		To:       alert.UserID,
		From:     from,
		Subject:  AlertSubject,
		Markdown: md.String(),
		HTML:     html.String(),
	}, nil
}

// FormatMoney renders a decimal amount in the currency's display format,
// e.g. "₹1,250.00". Unknown currencies fall back to "<amount> <code>".
func FormatMoney(amount string, currency string) string {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return strings.TrimSpace(amount + " " + currency)
	}

	cur := money.GetCurrency(strings.ToUpper(currency))
	if cur == nil {
		return strings.TrimSpace(d.StringFixed(2) + " " + currency)
	}

	minor := d.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}

// escapeCell renders user-supplied text as literal cell content. Every ASCII
// punctuation character is backslash-escaped, so merchant names cannot form
// links, images, emphasis, raw HTML or entities, and cannot close the cell.
func escapeCell(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < utf8.RuneSelf && (unicode.IsPunct(r) || unicode.IsSymbol(r)):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
