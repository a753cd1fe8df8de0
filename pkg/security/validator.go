package security

import (
	"crypto/hmac"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/pkg/timestamp"
)

// Result is the outcome of a single check. Code is empty when OK.
type Result struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var pass = Result{OK: true}

func fail(code, message string) Result {
	return Result{Code: code, Message: message}
}

// Err converts a failed result into an *errors.CodeError. It returns nil
// for a passing result.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return errors.NewCodeError(r.Code, r.Message)
}

// RequestInfo carries what the validator needs from a transport request.
type RequestInfo struct {
	ClientIP      string
	Authorization string
	Signature     string
	Timestamp     string
	Body          []byte
}

// Context is the per-request security decision, computed once before
// dispatch.
type Context struct {
	ClientIP string
	APIKey   string
	Result   Result
}

// Authorized reports whether every enabled check passed.
func (c Context) Authorized() bool { return c.Result.OK }

// always allowed regardless of the allow-list
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.1/32"),
	netip.MustParsePrefix("::1/128"),
}

// Validator applies IP, API key and signature checks. Feature switches can
// be flipped at runtime from any goroutine.
type Validator struct {
	keys      [][]byte
	secret    string
	allowed   map[netip.Addr]struct{}
	tolerance int64

	apiKeyOn    atomic.Bool
	signatureOn atomic.Bool
	whitelistOn atomic.Bool

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces the time source used for signature freshness.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger for rejections.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator builds a validator from cfg. Allow-list entries that do not
// parse are skipped; Config.Validate reports them.
func NewValidator(cfg Config, opts ...Option) *Validator {
	v := &Validator{
		secret:    cfg.SecretKey,
		allowed:   make(map[netip.Addr]struct{}, len(cfg.AllowedIPs)),
		tolerance: DefaultSignatureTolerance,
		now:       time.Now,
		logger:    slog.Default().With("component", "security"),
	}
	if cfg.SignatureToleranceSeconds > 0 {
		v.tolerance = int64(cfg.SignatureToleranceSeconds)
	}
	for _, k := range cfg.APIKeys {
		v.keys = append(v.keys, []byte(k))
	}
	for _, s := range cfg.AllowedIPs {
		if addr, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			v.allowed[addr.Unmap()] = struct{}{}
		}
	}
	v.apiKeyOn.Store(flag(cfg.EnableAPIKey))
	v.signatureOn.Store(flag(cfg.EnableSignature))
	v.whitelistOn.Store(flag(cfg.EnableIPWhitelist))

	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetAPIKeyEnabled toggles the API key check.
func (v *Validator) SetAPIKeyEnabled(on bool) { v.apiKeyOn.Store(on) }

// SetSignatureEnabled toggles the signature check.
func (v *Validator) SetSignatureEnabled(on bool) { v.signatureOn.Store(on) }

// SetIPWhitelistEnabled toggles the allow-list check.
func (v *Validator) SetIPWhitelistEnabled(on bool) { v.whitelistOn.Store(on) }

// Flags returns the current feature switches.
func (v *Validator) Flags() (apiKey, signature, whitelist bool) {
	return v.apiKeyOn.Load(), v.signatureOn.Load(), v.whitelistOn.Load()
}

// ValidateAPIKey checks an Authorization header of the form "Bearer <key>".
func (v *Validator) ValidateAPIKey(authorization string) Result {
	if !v.apiKeyOn.Load() {
		return pass
	}
	if strings.TrimSpace(authorization) == "" {
		return fail(errors.CodeAuthMissing, "missing Authorization header")
	}
	token, ok := bearerToken(authorization)
	if !ok {
		return fail(errors.CodeAuthFormat, "Authorization header must be 'Bearer <api-key>'")
	}
	key := []byte(token)

	found := 0
	for _, k := range v.keys {
		found |= subtle.ConstantTimeCompare(k, key)
	}
	if found != 1 {
		return fail(errors.CodeAuthUnknownKey, "invalid api key")
	}
	return pass
}

// ValidateSignature checks X-Signature against the raw body and X-Timestamp.
func (v *Validator) ValidateSignature(signature string, body []byte, ts string) Result {
	if !v.signatureOn.Load() {
		return pass
	}
	if signature == "" {
		return fail(errors.CodeSigMissing, "missing X-Signature header")
	}
	if ts == "" {
		return fail(errors.CodeSigTimestampGone, "missing X-Timestamp header")
	}
	skew, err := timestamp.SkewSeconds(ts, v.now())
	if err != nil {
		return fail(errors.CodeSigTimestampBad, "X-Timestamp must be unix seconds")
	}
	if skew > v.tolerance {
		return fail(errors.CodeSigExpired, "request timestamp outside tolerance")
	}
	expected := Sign(v.secret, body, strings.TrimSpace(ts))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fail(errors.CodeSigMismatch, "signature mismatch")
	}
	return pass
}

// ValidateIPWhitelist checks the client address. An empty allow-list allows
// every address; otherwise private and loopback ranges are always allowed.
func (v *Validator) ValidateIPWhitelist(clientIP string) Result {
	if !v.whitelistOn.Load() || len(v.allowed) == 0 {
		return pass
	}
	addr, err := netip.ParseAddr(hostOnly(clientIP))
	if err != nil {
		return fail(errors.CodeIPUnparseable, "cannot determine client address")
	}
	addr = addr.Unmap()
	if _, ok := v.allowed[addr]; ok {
		return pass
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return pass
		}
	}
	return fail(errors.CodeIPNotAllowed, "client address not allowed: "+addr.String())
}

// ValidateRequest runs IP, API key and signature checks in that order and
// stops at the first failure.
func (v *Validator) ValidateRequest(info RequestInfo) Context {
	ctx := Context{ClientIP: hostOnly(info.ClientIP), Result: pass}

	checks := []func() Result{
		func() Result { return v.ValidateIPWhitelist(info.ClientIP) },
		func() Result { return v.ValidateAPIKey(info.Authorization) },
		func() Result { return v.ValidateSignature(info.Signature, info.Body, info.Timestamp) },
	}
	for _, check := range checks {
		if r := check(); !r.OK {
			ctx.Result = r
			v.logger.Warn("request rejected", "client_ip", ctx.ClientIP, "code", r.Code, "reason", r.Message)
			return ctx
		}
	}
	if key, ok := bearerToken(info.Authorization); ok {
		ctx.APIKey = key
	}
	return ctx
}

// bearerToken extracts the credential from "Bearer <token>". The scheme is
// case-insensitive.
func bearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	authorization = strings.TrimSpace(authorization)
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
