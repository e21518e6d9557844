package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/adataxi/voicebridge/internal/config"
)

// registerExpiry is the requested registration lifetime per SPEC_FULL.md's
// SIP transport section; the registrar may grant a shorter one, which
// TrunkRegistration honors when scheduling the next re-REGISTER.
const registerExpiry = 120

// TrunkRegistration maintains a single outbound REGISTER to an upstream SIP
// registrar/trunk, re-registering before the granted expiry. It is optional:
// the bridge runs fine with no outbound registration if cfg.SIPServer is
// empty, answering inbound INVITEs directly.
type TrunkRegistration struct {
	cfg    *config.Config
	client *sipgo.Client
	logger *slog.Logger

	mu      sync.RWMutex
	status  TrunkStatus
	lastErr string

	cancel context.CancelFunc
	done   chan struct{}
}

// TrunkStatus mirrors the registration lifecycle states.
type TrunkStatus string

const (
	TrunkStatusUnregistered TrunkStatus = "unregistered"
	TrunkStatusRegistering  TrunkStatus = "registering"
	TrunkStatusRegistered   TrunkStatus = "registered"
	TrunkStatusFailed       TrunkStatus = "failed"
)

// NewTrunkRegistration builds a registration manager bound to one SIP UA.
// Returns nil if cfg.SIPServer is unset, since outbound registration is an
// optional feature.
func NewTrunkRegistration(ua *sipgo.UserAgent, cfg *config.Config, logger *slog.Logger) (*TrunkRegistration, error) {
	if cfg.SIPServer == "" {
		return nil, nil
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sip client for trunk registration: %w", err)
	}

	return &TrunkRegistration{
		cfg:    cfg,
		client: client,
		logger: logger.With("subsystem", "trunk-registration"),
		status: TrunkStatusUnregistered,
	}, nil
}

// Start begins the registration loop in the background. Safe to call once;
// the loop runs until ctx is canceled or Stop is called.
func (t *TrunkRegistration) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.registrationLoop(ctx)
}

// Stop cancels the registration loop and best-effort un-registers (Expires: 0).
func (t *TrunkRegistration) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done

	unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unregCancel()
	if t.Status() == TrunkStatusRegistered {
		if _, err := t.sendRegister(unregCtx, 0); err != nil {
			t.logger.Warn("un-register failed", "error", err)
		}
	}
	t.client.Close()
}

// Status reports the current registration state, for /status reporting.
func (t *TrunkRegistration) Status() TrunkStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *TrunkRegistration) setStatus(status TrunkStatus, lastErr string) {
	t.mu.Lock()
	t.status = status
	t.lastErr = lastErr
	t.mu.Unlock()
}

func (t *TrunkRegistration) registrationLoop(ctx context.Context) {
	defer close(t.done)

	t.logger.Info("starting outbound registration",
		"server", t.cfg.SIPServer,
		"port", t.cfg.SIPPort,
		"transport", t.cfg.SIPTransport,
	)

	bo := newBackoff()

	for {
		t.setStatus(TrunkStatusRegistering, "")
		grantedExpiry, err := t.sendRegister(ctx, registerExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := bo.next()
			t.setStatus(TrunkStatusFailed, err.Error())
			t.logger.Error("registration failed",
				"error", err,
				"attempt", bo.attempt,
				"retry_in", retryDelay.String(),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		bo.reset()
		t.setStatus(TrunkStatusRegistered, "")
		t.logger.Info("registered", "expires_in", grantedExpiry)

		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			t.logger.Debug("re-registering")
		}
	}
}

// sendRegister sends one REGISTER, handling a 401/407 digest challenge if
// the registrar issues one. Returns the server-granted expiry.
func (t *TrunkRegistration) sendRegister(ctx context.Context, expiry int) (int, error) {
	cfg := t.cfg

	recipientStr := fmt.Sprintf("sip:%s:%d", cfg.SIPServer, cfg.SIPPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	domain := cfg.SIPDomain
	if domain == "" {
		domain = cfg.SIPServer
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(cfg.SIPTransport))

	aor := fmt.Sprintf("<sip:%s@%s>", cfg.SIPUsername, domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", cfg.SIPUsername, cfg.SIPHost())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: cfg.AuthUser(),
			Password: cfg.SIPPassword,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := t.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}
	return grantedExpiry, nil
}

// getResponse waits for the first response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts ;expires= from a Contact header value.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses a plain-integer Expires header value.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{baseDelay: 5 * time.Second, maxDelay: 5 * time.Minute}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
