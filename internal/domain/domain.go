// Package domain implements C2, the Host Admission Filter: every inbound
// request is classified as main-domain or custom-domain before any route
// runs, and the classification decides which workspace (if any) the request
// is scoped to.
package domain

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

// Probe is the body served by the well-known domain-check endpoint; its
// shape is dictated by §4.8, since the external edge/TLS layer parses it to
// decide whether to provision a certificate for the host.
type Probe struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Domain  string `json:"domain"`
	TS      int64  `json:"ts"`
	Region  string `json:"region"`
}

const (
	cacheTTL    = 10 * time.Minute
	negativeTTL = 2 * time.Minute
	negativeTag = "\x00absent"
)

// Admission describes the outcome of classifying a request's Host header.
type Admission struct {
	// Main is true when the request arrived on the application's own
	// domain (APP_BASE_URL host, localhost, or a configured test host).
	Main      bool
	Workspace *model.Workspace
}

// Resolver implements the per-request hostname classification described by
// §4.8: a static allow-list first, then a cached custom-domain lookup.
type Resolver struct {
	workspaces *repository.WorkspaceRepository
	cache      *redis.Client
	allowlist  map[string]bool
	region     string
}

// New builds a Resolver. appBaseURL seeds the allow-list with the
// application's own host; extraAllowed covers local/test hosts (e.g.
// "localhost", "127.0.0.1") that should never be treated as tenant domains.
func New(workspaces *repository.WorkspaceRepository, cache *redis.Client, appBaseURL, region string, extraAllowed ...string) *Resolver {
	allow := make(map[string]bool, len(extraAllowed)+1)
	if u, err := url.Parse(appBaseURL); err == nil && u.Hostname() != "" {
		allow[strings.ToLower(u.Hostname())] = true
	}
	for _, h := range extraAllowed {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allow[h] = true
		}
	}
	return &Resolver{workspaces: workspaces, cache: cache, allowlist: allow, region: region}
}

// Admit classifies rawHost (the request's Host header, possibly carrying a
// port) per §4.8 steps 1-3.
func (r *Resolver) Admit(ctx context.Context, rawHost string) (Admission, error) {
	host, err := normalizeHost(rawHost)
	if err != nil {
		return Admission{}, apperror.New(apperror.KindInvalidInput, "invalid-host")
	}

	if r.allowlist[host] {
		return Admission{Main: true}, nil
	}

	ws, err := r.lookupCustomDomain(ctx, host)
	if err != nil {
		return Admission{}, err
	}
	return Admission{Main: false, Workspace: ws}, nil
}

// normalizeHost strips the port, lower-cases the hostname, and rejects
// anything that isn't a plausible DNS name or the loopback literal. IP
// literals other than loopback are never admitted as custom domains, which
// also closes off bracketed-IPv6-spoofing tricks in the Host header.
func normalizeHost(rawHost string) (string, error) {
	host := rawHost
	if h, _, err := net.SplitHostPort(rawHost); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", apperror.New(apperror.KindInvalidInput, "empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return host, nil
		}
		return "", apperror.New(apperror.KindInvalidInput, "ip literal hosts are not admitted")
	}

	if strings.Contains(host, "/") || strings.Contains(host, "\\") || strings.Contains(host, "@") {
		return "", apperror.New(apperror.KindInvalidInput, "malformed host")
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return "", apperror.New(apperror.KindInvalidInput, "malformed host")
		}
	}
	return host, nil
}

// lookupCustomDomain resolves a hostname to its owning workspace, caching
// both hits and misses so unknown-host enumeration can't be used to drive
// load onto the database (§5: "Custom-domain validity cache").
func (r *Resolver) lookupCustomDomain(ctx context.Context, host string) (*model.Workspace, error) {
	cacheKey := "domain:admission:" + host
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey).Result(); err == nil {
			if cached == negativeTag {
				return nil, apperror.New(apperror.KindNotFound, "unknown host")
			}
			if id, err := uuid.Parse(cached); err == nil {
				if ws, err := r.workspaces.GetByID(ctx, id); err == nil {
					return ws, nil
				}
			}
			// cached id no longer resolves; fall through to a fresh lookup
		}
	}

	ws, err := r.workspaces.GetByCustomDomain(ctx, host)
	if err != nil {
		if r.cache != nil {
			r.cache.Set(ctx, cacheKey, negativeTag, negativeTTL)
		}
		return nil, apperror.New(apperror.KindNotFound, "unknown host")
	}

	if r.cache != nil {
		r.cache.Set(ctx, cacheKey, ws.ID.String(), cacheTTL)
	}
	return ws, nil
}

// InvalidateCache evicts host from the admission cache; called whenever a
// workspace's custom_domain row changes so a stale cached result doesn't
// outlive the write that made it wrong (§5: "write-invalidated by workspace
// custom-domain update").
func (r *Resolver) InvalidateCache(ctx context.Context, host string) {
	if r.cache == nil {
		return
	}
	r.cache.Del(ctx, "domain:admission:"+strings.ToLower(host))
}

// ProbeHost serves the unauthenticated well-known check: any admitted
// custom-domain host that answers it is, by definition, correctly pointed
// at this installation, so the side effect is to mark it validated and
// reset its failure streak (§4.8).
func (r *Resolver) ProbeHost(ctx context.Context, host string) (Probe, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return Probe{}, apperror.New(apperror.KindInvalidInput, "invalid-host")
	}

	if !r.allowlist[host] {
		if _, err := r.workspaces.GetCustomDomainByHostname(ctx, host); err != nil {
			return Probe{}, apperror.New(apperror.KindNotFound, "unknown host")
		}
		if err := r.workspaces.VerifyCustomDomain(ctx, host); err != nil {
			return Probe{}, apperror.Wrap(apperror.KindInternal, "mark domain validated", err)
		}
		r.InvalidateCache(ctx, host)
	}

	return Probe{OK: true, Service: "sbomhub", Domain: host, TS: time.Now().Unix(), Region: r.region}, nil
}

// RevalidateSweep re-checks every previously-validated custom domain still
// resolves in DNS, so a domain whose CNAME was pulled without the owner
// ever telling us gets demoted back to unverified after
// model.MaxVerificationFailures consecutive misses instead of staying
// admitted on stale trust forever.
func (r *Resolver) RevalidateSweep(ctx context.Context) error {
	domains, err := r.workspaces.ListCustomDomains(ctx)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "list custom domains", err)
	}

	for _, d := range domains {
		if !d.Verified {
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(ctx, d.Hostname); err != nil {
			if err := r.workspaces.RecordVerificationFailure(ctx, d.Hostname); err != nil {
				return apperror.Wrap(apperror.KindInternal, "record verification failure", err)
			}
			r.InvalidateCache(ctx, d.Hostname)
		}
	}
	return nil
}

// RewritePublicPath builds the path a custom-domain request should be
// routed to for a product identified by slug, matching the clean per-tenant
// path layout custom domains get in place of /public/product/<id>/.
func RewritePublicPath(productSlug string) string {
	return "/product/" + productSlug + "/"
}
