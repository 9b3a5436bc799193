package security

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DefaultBlockedEmailDomains は登録を拒否する使い捨てメールのドメイン。
var DefaultBlockedEmailDomains = []string{
	"tempmail.com",
	"mailinator.com",
	"guerrillamail.com",
	"10minutemail.com",
	"throwawaymail.com",
}

// EmailPolicy はメールアドレスの形式とドメインを検証する。
type EmailPolicy struct {
	blocked map[string]struct{}
}

// EmailDomainBlockedError はブロック対象ドメインのメールアドレスを表す。
type EmailDomainBlockedError struct {
	Domain string
}

// Error はerrorインターフェースを実装する。
func (e *EmailDomainBlockedError) Error() string {
	return fmt.Sprintf("blocked email domain: %s", e.Domain)
}

// NewEmailPolicy は指定ドメインをブロックするEmailPolicyを生成する。
// blockedが空の場合はDefaultBlockedEmailDomainsを使用する。
func NewEmailPolicy(blocked []string) *EmailPolicy {
	if len(blocked) == 0 {
		blocked = DefaultBlockedEmailDomains
	}
	p := &EmailPolicy{blocked: make(map[string]struct{}, len(blocked))}
	for _, d := range blocked {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			p.blocked[d] = struct{}{}
		}
	}
	return p
}

// Normalize はメールアドレスを前後空白除去・小文字化した形で返す。
// アドレス形式として解釈できない場合はエラーを返す。
func (p *EmailPolicy) Normalize(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("invalid email address: %q", email)
	}
	if _, _, ok := strings.Cut(email, "@"); !ok {
		return "", fmt.Errorf("invalid email address: %q", email)
	}
	return email, nil
}

// Validate はメールアドレスが登録可能かを検証し、正規化したアドレスを返す。
// ドメインは登録可能ドメイン（eTLD+1）単位で照合するため、
// ブロック対象ドメインのサブドメインもブロックされる。
func (p *EmailPolicy) Validate(email string) (string, error) {
	normalized, err := p.Normalize(email)
	if err != nil {
		return "", err
	}
	domain := normalized[strings.LastIndex(normalized, "@")+1:]

	if _, ok := p.blocked[domain]; ok {
		return "", &EmailDomainBlockedError{Domain: domain}
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return "", fmt.Errorf("invalid email domain %q: %w", domain, err)
	}
	if _, ok := p.blocked[registrable]; ok {
		return "", &EmailDomainBlockedError{Domain: registrable}
	}

	return normalized, nil
}
