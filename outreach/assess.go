package outreach

import (
	"net/mail"
	"strings"
)

type EmailVerdict string

const (
	EmailValid   EmailVerdict = "valid"
	EmailRisky   EmailVerdict = "risky"
	EmailBlocked EmailVerdict = "blocked"
)

// EmailAssessment is the result of AssessEmail. Risky addresses may still be
// sent to; blocked ones never are.
type EmailAssessment struct {
	Address string
	Verdict EmailVerdict
	Reasons []string
}

var disposableDomains = map[string]struct{}{
	"mailinator.com":     {},
	"guerrillamail.com":  {},
	"10minutemail.com":   {},
	"tempmail.com":       {},
	"temp-mail.org":      {},
	"yopmail.com":        {},
	"trashmail.com":      {},
	"sharklasers.com":    {},
	"getnada.com":        {},
	"dispostable.com":    {},
	"maildrop.cc":        {},
	"throwawaymail.com":  {},
	"fakeinbox.com":      {},
	"mailnesia.com":      {},
	"emailondeck.com":    {},
	"spamgourmet.com":    {},
	"mintemail.com":      {},
	"mohmal.com":         {},
	"burnermail.io":      {},
	"guerrillamail.info": {},
}

var unreachableMailboxes = map[string]struct{}{
	"noreply":       {},
	"no-reply":      {},
	"donotreply":    {},
	"do-not-reply":  {},
	"mailer-daemon": {},
	"postmaster":    {},
	"bounce":        {},
	"bounces":       {},
	"notifications": {},
	"abuse":         {},
}

var roleMailboxes = map[string]struct{}{
	"info":      {},
	"sales":     {},
	"support":   {},
	"admin":     {},
	"contact":   {},
	"office":    {},
	"hello":     {},
	"team":      {},
	"hr":        {},
	"jobs":      {},
	"billing":   {},
	"marketing": {},
	"receptie":  {},
	"kantoor":   {},
	"algemeen":  {},
}

// AssessEmail runs the syntactic and heuristic checks done before any send.
func AssessEmail(raw string) EmailAssessment {
	a := EmailAssessment{Address: strings.TrimSpace(raw), Verdict: EmailValid}
	if a.Address == "" {
		return a.block("empty address")
	}
	parsed, err := mail.ParseAddress(a.Address)
	if err != nil {
		return a.block("invalid syntax")
	}
	a.Address = strings.ToLower(parsed.Address)

	at := strings.LastIndexByte(a.Address, '@')
	local, domain := a.Address[:at], a.Address[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return a.block("domain without valid tld")
	}
	if isDisposable(domain) {
		return a.block("disposable domain")
	}
	base := local
	if plus := strings.IndexByte(base, '+'); plus >= 0 {
		base = base[:plus]
	}
	if _, ok := unreachableMailboxes[base]; ok {
		return a.block("unmonitored mailbox")
	}
	if _, ok := roleMailboxes[base]; ok {
		a.Verdict = EmailRisky
		a.Reasons = append(a.Reasons, "role account")
	}
	return a
}

func (a EmailAssessment) block(reason string) EmailAssessment {
	a.Verdict = EmailBlocked
	a.Reasons = append(a.Reasons, reason)
	return a
}

func isDisposable(domain string) bool {
	for d := domain; d != ""; {
		if _, ok := disposableDomains[d]; ok {
			return true
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			return false
		}
		d = d[dot+1:]
	}
	return false
}
