package sender

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "medremind/pkg/logx"
)

// Contact schemes.
const (
	SchemeSMS      = "sms"
	SchemeTelegram = "tg"
	SchemeMQTT     = "mqtt"
	SchemeLog      = "log"
)

// ParseContact splits a recipient contact into scheme and address.
//
//	"+15550100"     -> sms, "+15550100"
//	"sms:+15550100" -> sms, "+15550100"
//	"tel:+15550100" -> sms, "+15550100"
//	"tg:123456"     -> tg, "123456"
//	"mqtt:home/kit" -> mqtt, "home/kit"
func ParseContact(contact string) (scheme, addr string) {
	c := strings.TrimSpace(contact)
	if i := strings.Index(c, ":"); i > 0 {
		scheme = strings.ToLower(c[:i])
		addr = strings.TrimSpace(c[i+1:])
		if scheme == "tel" {
			scheme = SchemeSMS
		}
		return scheme, addr
	}
	return SchemeSMS, c
}

// Router picks a Sender by contact scheme.
type Router struct {
	log logx.Logger

	mu       sync.RWMutex
	routes   map[string]Sender
	fallback Sender
}

func NewRouter(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{log: log, routes: map[string]Sender{}}
}

// Handle registers s for scheme. A nil s removes the route.
func (r *Router) Handle(scheme string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if s == nil {
		delete(r.routes, scheme)
		return
	}
	r.routes[scheme] = s
}

// Fallback receives contacts whose scheme has no route.
func (r *Router) Fallback(s Sender) {
	r.mu.Lock()
	r.fallback = s
	r.mu.Unlock()
}

// Schemes lists the configured routes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	return out
}

func (r *Router) Send(ctx context.Context, contact, message string) error {
	scheme, addr := ParseContact(contact)
	if addr == "" {
		return Permanent(fmt.Errorf("empty recipient contact %q", contact))
	}
	r.mu.RLock()
	s, ok := r.routes[scheme]
	fb := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fb == nil {
			return Permanent(fmt.Errorf("no sender configured for %q contacts", scheme))
		}
		r.log.Debug("no route for scheme; using fallback", logx.String("scheme", scheme))
		return fb.Send(ctx, contact, message)
	}
	return s.Send(ctx, addr, message)
}
