package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/Dhoini/credit-ledger/internal/domain"
)

// Имена провайдеров в URL и натуральных ключах
const (
	ProviderStripe       = "stripe"
	ProviderLemonSqueezy = "lemonsqueezy"
)

// Normalizer проверяет подлинность доставки одного провайдера и переводит
// её в каноническое событие. Побочных эффектов нет, кроме поиска аккаунта.
type Normalizer interface {
	Provider() string
	Normalize(ctx context.Context, payload []byte, headers http.Header) (domain.CanonicalEvent, error)
}

// AccountResolver поиск аккаунта по id клиента у провайдера.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, provider, customerID string) (string, error)
}

// Catalog цены пакетов в кредитах, если провайдер не передал их явно.
type Catalog struct {
	Packs map[string]int64
}

// PackCredits количество кредитов в пакете.
func (c Catalog) PackCredits(pack string) (int64, bool) {
	credits, ok := c.Packs[pack]
	return credits, ok && credits > 0
}

// Registry выбирает нормализатор по имени провайдера.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry создает реестр нормализаторов
func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// Normalize проверяет подпись и возвращает каноническое событие.
func (r *Registry) Normalize(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.CanonicalEvent, error) {
	n, ok := r.normalizers[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, provider)
	}
	return n.Normalize(ctx, payload, headers)
}

// Providers зарегистрированные провайдеры
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.normalizers))
	for name := range r.normalizers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// resolveAccount: явный id из payload, иначе сохранённая связь клиента.
func resolveAccount(ctx context.Context, resolver AccountResolver, meta domain.EventMeta, accountID, customerID string) (string, error) {
	if accountID != "" {
		return accountID, nil
	}
	unresolved := &domain.UnresolvedAccountError{
		Provider:   meta.Provider,
		EventID:    meta.EventID,
		EventType:  meta.EventType,
		CustomerID: customerID,
	}
	if customerID == "" || resolver == nil {
		return "", unresolved
	}
	resolved, err := resolver.ResolveAccount(ctx, meta.Provider, customerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", unresolved
		}
		return "", err
	}
	return resolved, nil
}

func malformed(meta domain.EventMeta, format string, args ...interface{}) error {
	return &domain.MalformedEventError{
		Provider:  meta.Provider,
		EventID:   meta.EventID,
		EventType: meta.EventType,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// parseCredits принимает число кредитов из метаданных ("120").
func parseCredits(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
