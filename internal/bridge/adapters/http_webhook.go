package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

const (
	defaultWebhookAddr   = ":8090"
	defaultWebhookPath   = "/webhook"
	defaultSignatureHdr  = "X-Signature-256"
	webhookReadTimeout   = 10 * time.Second
	webhookShutdownGrace = 5 * time.Second
)

type webhookParams struct {
	Enabled         bool   `mapstructure:"enabled"`
	ListenAddr      string `mapstructure:"listenAddr"`
	Path            string `mapstructure:"path"`
	Method          string `mapstructure:"method"`
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signatureHeader"`
}

func applyWebhookDefaults(p *webhookParams) {
	if p.ListenAddr == "" {
		p.ListenAddr = defaultWebhookAddr
	}
	if p.Path == "" {
		p.Path = defaultWebhookPath
	}
	p.Method = strings.ToUpper(p.Method)
	if p.Method == "" {
		p.Method = http.MethodPost
	}
	if p.SignatureHeader == "" {
		p.SignatureHeader = defaultSignatureHdr
	}
}

func (d *httpDriver) startWebhook() error {
	ln, err := net.Listen("tcp", d.params.Webhook.ListenAddr)
	if err != nil {
		return bridge.NewError(bridge.ErrorConfiguration, d.base.ID(),
			fmt.Sprintf("cannot listen for webhooks on %s", d.params.Webhook.ListenAddr), err)
	}
	srv := &http.Server{
		Handler:           d.webhookHandler(),
		ReadHeaderTimeout: webhookReadTimeout,
	}
	d.mu.Lock()
	d.webhook = srv
	d.webhookAddr = ln.Addr().String()
	d.mu.Unlock()

	log := d.base.Logger()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Webhook listener stopped", zap.Error(err))
		}
	}()
	log.Info("Webhook listener started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", d.params.Webhook.Path))
	return nil
}

func (d *httpDriver) stopWebhook(ctx context.Context) error {
	d.mu.Lock()
	srv := d.webhook
	d.webhook = nil
	d.webhookAddr = ""
	d.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, webhookShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop webhook listener: %w", err)
	}
	return nil
}

func (d *httpDriver) webhookHandler() http.Handler {
	cfg := d.params.Webhook
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cfg.Path {
			http.NotFound(w, r)
			return
		}
		if r.Method != cfg.Method {
			w.Header().Set("Allow", cfg.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpMaxBodyBytes))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if cfg.Secret != "" && !validSignature(cfg.Secret, r.Header.Get(cfg.SignatureHeader), body) {
			d.base.Logger().Warn("Webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		payload, _ := json.DecodePayload(body)
		packet := bridge.NewPacket(webhookTarget, payload, &bridge.Quality{Reliable: true, Status: "Good"}, map[string]interface{}{
			"path":        r.URL.Path,
			"method":      r.Method,
			"contentType": r.Header.Get("Content-Type"),
			"remoteAddr":  r.RemoteAddr,
		})
		n := d.base.Dispatch(r.Context(), packet, func(s bridge.Subscription) bool {
			return s.Target == webhookTarget
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "deliveries": n})
	})
}

// validSignature checks a hex HMAC-SHA256 of body, optionally prefixed with
// "sha256=".
func validSignature(secret, header string, body []byte) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign returns the signature header value a sender computes for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
